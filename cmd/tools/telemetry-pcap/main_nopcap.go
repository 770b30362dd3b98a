//go:build !pcap
// +build !pcap

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "telemetry-pcap requires libpcap; rebuild with -tags pcap")
	os.Exit(1)
}
