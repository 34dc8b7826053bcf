package main

import (
	"github.com/set-io/lkvm/cmd"
)

// version must be set from the contents of VERSION file by go build's
// -X main.version= option in the Makefile.
var version = "unknown"

// gitCommit will be the hash that the binary was built from
// and will be populated by the Makefile
var gitCommit = ""

const (
	usage = `lightweight KVM machine monitor
lkvm boots a Linux kernel in a single vCPU KVM guest with a serial console
and, optionally, a VESA framebuffer exposed to the guest as a PCI device.

A guest is described either by flags or by a configuration file named
"` + cmd.SpecConfig + `" (YAML is accepted too). To create a starter file:

    # lkvm spec --bundle /path/to/bundle

To boot a kernel:

    # lkvm run -k bzImage -m 256M --vesa

The guest runs until it halts, shuts down or hits an exit lkvm cannot
handle. lkvm then prints the exit reason, registers, code at RIP and the
page table walk for RIP.`
)

func main() {
	cmd.Execute("lkvm", usage, version, gitCommit)
}
