//go:build debug

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	netLogMu      sync.Mutex
	netLogWriter  io.Writer
	netLogEnabled bool
)

func setNetLogWriter(w io.Writer) {
	netLogMu.Lock()
	defer netLogMu.Unlock()
	netLogWriter = w
	netLogEnabled = w != nil
}

// logNetMessage writes V1 lines verbatim and V2 frames as a header summary.
func logNetMessage(direction string, data []byte) {
	netLogMu.Lock()
	defer netLogMu.Unlock()
	if !netLogEnabled || netLogWriter == nil {
		return
	}
	fmt.Fprintf(netLogWriter, "%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339Nano), direction, describeNetMessage(data))
}

func describeNetMessage(data []byte) string {
	if len(data) > 0 && data[0] == '{' {
		return trimNewline(data)
	}
	if len(data) < stratumV2FrameHeaderLen {
		return fmt.Sprintf("short frame %x", data)
	}
	return fmt.Sprintf("sv2 ext=0x%04x msg=0x%02x len=%d",
		binary.LittleEndian.Uint16(data[0:2]), data[2], readUint24LE(data[3:6]))
}

func trimNewline(data []byte) string {
	s := string(data)
	if len(s) == 0 {
		return s
	}
	if s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
