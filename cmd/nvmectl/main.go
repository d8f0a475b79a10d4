//go:build linux

// File: cmd/nvmectl/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operator CLI for hioload-nvme: brings a VFIO-bound controller up and
// runs admin commands against it.

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-nvme/adapters"
	"github.com/momentics/hioload-nvme/control"
	"github.com/momentics/hioload-nvme/driver"
)

var (
	nsqr uint16
	ncqr uint16
)

func main() {
	root := &cobra.Command{
		Use:           "nvmectl",
		Short:         "Userspace NVMe controller tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Uint16Var(&nsqr, "nsqr", 4, "requested io submission queues")
	root.PersistentFlags().Uint16Var(&ncqr, "ncqr", 4, "requested io completion queues")

	root.AddCommand(identifyCmd(), bringupCmd())

	if err := root.Execute(); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// openController claims bdf over VFIO and runs the full bring-up.
func openController(bdf string) (*driver.Controller, error) {
	provider, err := adapters.NewVFIOProvider()
	if err != nil {
		return nil, err
	}
	ctrl, err := driver.Open(provider, adapters.NewHugepageAllocator(), bdf,
		driver.WithIOQueues(nsqr, ncqr))
	if err != nil {
		return nil, err
	}
	if err := ctrl.Bringup(); err != nil {
		ctrl.Close()
		return nil, err
	}
	return ctrl, nil
}

func identifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify <bdf>",
		Short: "Print the Identify Controller data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := openController(args[0])
			if err != nil {
				return err
			}
			defer ctrl.Close()

			id, err := ctrl.Identify()
			if err != nil {
				return err
			}
			fmt.Printf("vid      : %#04x\n", id.VID)
			fmt.Printf("serial   : %s\n", id.SerialNumber)
			fmt.Printf("model    : %s\n", id.ModelNumber)
			fmt.Printf("firmware : %s\n", id.Firmware)
			fmt.Printf("cntlid   : %d\n", id.CNTLID)
			fmt.Printf("mdts     : %d\n", id.MDTS)
			fmt.Printf("nn       : %d\n", id.NN)
			return nil
		},
	}
}

func bringupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bringup <bdf>",
		Short: "Bring the controller up and dump its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			probes := control.NewDebugProbes()
			provider, err := adapters.NewVFIOProvider()
			if err != nil {
				return err
			}
			ctrl, err := driver.Open(provider, adapters.NewHugepageAllocator(), args[0],
				driver.WithIOQueues(nsqr, ncqr),
				driver.WithDebugProbes(probes))
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Bringup(); err != nil {
				return err
			}
			nsqa, ncqa := ctrl.QueueCounts()
			log.Info("controller enabled", "bdf", args[0],
				"administrative", ctrl.Administrative(), "nsqa", nsqa, "ncqa", ncqa)

			for name, val := range ctrl.RegisterDump() {
				fmt.Printf("%-5s: %#x\n", name, val)
			}
			for name, state := range probes.DumpState() {
				fmt.Printf("%s: %v\n", name, state)
			}
			return nil
		},
	}
}
