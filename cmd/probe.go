package cmd

import (
	"os"

	"github.com/set-io/lkvm/sandbox/machine"
	"github.com/urfave/cli"
)

var probeCommand = cli.Command{
	Name:  "probe",
	Usage: "print the KVM API version, capabilities and supported CPUID leaves",
	Action: func(ctx *cli.Context) error {
		if err := checkArgs(ctx, 0); err != nil {
			return err
		}
		if err := machine.KVMCapabilities(os.Stdout); err != nil {
			return err
		}
		return machine.ProbeCPUID(os.Stdout)
	},
}
