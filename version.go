package main

import (
	"fmt"
	"runtime"
)

// Version is recorded with every calibration fit; fits from another major
// version are not reused
const Version = "1.3.0"

func versionString() string {
	return fmt.Sprintf("rfdemod %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
