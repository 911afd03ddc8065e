package procfs

import "strings"

// ZoneWatermarks is the aggregate of per-zone min/low/high watermarks plus
// the summed max protection, in pages, across every zone in /proc/zoneinfo.
type ZoneWatermarks struct {
	Min           int64
	Low           int64
	High          int64
	MaxProtection int64
}

// ParseZoneinfo aggregates the "min"/"low"/"high" and "protection:" lines across every "Node N, zone X" block. Protection is the
// maximum across a zone's protection array, summed across zones, matching
// the kernel's own watermark_boost accounting shape.
func ParseZoneinfo(data []byte) ZoneWatermarks {
	var wm ZoneWatermarks
	var zoneMaxProt int64

	flushZone := func() {
		wm.MaxProtection += zoneMaxProt
		zoneMaxProt = 0
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "Node ") && strings.Contains(trimmed, "zone") {
			flushZone()
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "min":
			wm.Min += parseIntOr0(fields[1])
		case "low":
			wm.Low += parseIntOr0(fields[1])
		case "high":
			wm.High += parseIntOr0(fields[1])
		case "protection:":
			for _, tok := range fields[1:] {
				tok = strings.Trim(tok, "(),")
				v := parseIntOr0(tok)
				if v > zoneMaxProt {
					zoneMaxProt = v
				}
			}
		}
	}
	flushZone()
	return wm
}

func parseIntOr0(s string) int64 {
	var v int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v
}
