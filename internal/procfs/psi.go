package procfs

import (
	"regexp"
	"strconv"
)

// psiFullAvg10Pattern and psiSomeAvg10Pattern match the "avg10=<value>"
// field of the "full" and "some" PSI stall lines
// (e.g. "some avg10=0.00 avg60=0.00 avg300=0.00 total=0"), grounded on the
// teacher daemon's own avg10 regexp against /proc/pressure/memory.
var psiFullAvg10Pattern = regexp.MustCompile(`full avg10=(\S+)`)
var psiSomeAvg10Pattern = regexp.MustCompile(`some avg10=(\S+)`)

// PSIStall holds the "some" and "full" avg10 percentages parsed from one
// /proc/pressure/<resource> file. Full is 0 for cpu.pressure, which the
// kernel does not report a "full" line for.
type PSIStall struct {
	SomeAvg10 float64
	FullAvg10 float64
}

// ParsePSIStall decodes one /proc/pressure/{memory,io,cpu} read.
func ParsePSIStall(data []byte) PSIStall {
	var st PSIStall
	if m := psiSomeAvg10Pattern.FindSubmatch(data); len(m) == 2 {
		st.SomeAvg10, _ = strconv.ParseFloat(string(m[1]), 64)
	}
	if m := psiFullAvg10Pattern.FindSubmatch(data); len(m) == 2 {
		st.FullAvg10, _ = strconv.ParseFloat(string(m[1]), 64)
	}
	return st
}
