package proc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// processMemory reads the memory of a live process with
// process_vm_readv(2). Invalid addresses produce EFAULT instead of a
// fault in the reading process.
type processMemory struct {
	pid int
}

// ProcessMemory returns a MemoryReader for the address space of pid.
func ProcessMemory(pid int) MemoryReader {
	return &processMemory{pid: pid}
}

var self = &processMemory{pid: os.Getpid()}

// Self returns a MemoryReader for the address space of the current
// process.
func Self() MemoryReader {
	return self
}

func (m *processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return 0, fmt.Errorf("could not read %#x in process %d: %w", addr, m.pid, err)
	}
	if n < len(buf) {
		return n, fmt.Errorf("%w: %#x", ErrUnmapped, addr+uint64(n))
	}
	return n, nil
}
