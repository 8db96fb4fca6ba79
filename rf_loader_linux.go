//go:build linux
// +build linux

package main

import (
	"log"
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential tells the kernel the capture is read front to back so it
// reads ahead aggressively
func adviseSequential(f *os.File) {
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL); err != nil && DebugMode {
		log.Printf("DEBUG: fadvise on %s failed: %v", f.Name(), err)
	}
}
