package protocol

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MakeFIFO creates a named pipe at path with the given mode, removing any
// stale FIFO left over from a previous run at the same path first.
func MakeFIFO(path string, mode uint32) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("protocol: removing stale fifo %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, mode); err != nil {
		return fmt.Errorf("protocol: mkfifo %s: %w", path, err)
	}
	return nil
}
