//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	fmt.Fprintf(os.Stderr, "server: epoll event loop is not available on %s\n", runtime.GOOS)
	os.Exit(1)
}
