package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/lowmemkilld/lowmemkilld/internal/control"
)

// dialTimeout bounds how long the --reinit / --boot_completed CLI modes
// wait for the running daemon to reply before giving up.
const dialTimeout = 5 * time.Second

// sendCommand dials the daemon's control socket, writes a bare command
// packet (no fields, matching §6's UPDATE_PROPS/BOOT_COMPLETED shape), and
// reads back the 4-byte int32 reply code both commands share.
func sendCommand(socketPath string, code control.CommandCode) (int32, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return 0, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	pkt := make([]byte, 4)
	binary.LittleEndian.PutUint32(pkt, uint32(code))
	if _, err := conn.Write(pkt); err != nil {
		return 0, fmt.Errorf("write command: %w", err)
	}

	// The UPDATE_PROPS / BOOT_COMPLETED reply frame is a 4-byte command
	// code (echoing the request) followed by the 4-byte int32 result.
	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		return 0, fmt.Errorf("read reply: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(reply[4:8])), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
