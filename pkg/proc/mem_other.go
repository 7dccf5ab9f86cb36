//go:build !linux

package proc

import (
	"errors"
)

var errNoProcessMemory = errors.New("reading process memory is only supported on linux")

type processMemory struct {
	pid int
}

// ProcessMemory returns a MemoryReader for the address space of pid.
// On this platform every read fails.
func ProcessMemory(pid int) MemoryReader {
	return &processMemory{pid: pid}
}

// Self returns a MemoryReader for the address space of the current
// process.
func Self() MemoryReader {
	return &processMemory{}
}

func (m *processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errNoProcessMemory
}
