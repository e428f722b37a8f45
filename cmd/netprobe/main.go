// Command netprobe probes hosts and networks with ICMP echo, TCP SYN and ARP.
package main

import (
	"github.com/anstrom/netprobe/cmd/cli"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
