//go:build !linux
// +build !linux

package main

import "os"

func adviseSequential(f *os.File) {}
