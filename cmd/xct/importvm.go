package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	xcpngtests "github.com/rushikeshjadhav/xcp-ng-tests"
)

var importvmCmd = &cobra.Command{
	Use:   "import-vm",
	Short: "Import a VM image onto the first pool's master",
	Args:  cobra.NoArgs,
	Run:   withHarness(importvm),
}

var importvmFlags = struct {
	vm    string
	sr    string
	cache bool
	start bool
}{}

func init() {
	rootCmd.AddCommand(importvmCmd)
	importvmCmd.Flags().StringVar(&importvmFlags.vm, "vm", "", "VM image key from the data configuration, a URL, or a file path on the host")
	importvmCmd.Flags().StringVar(&importvmFlags.sr, "sr", "", "destination SR UUID, default per the configured SR policy")
	importvmCmd.Flags().BoolVar(&importvmFlags.cache, "cache", false, "reuse or populate the import cache")
	importvmCmd.Flags().BoolVar(&importvmFlags.start, "start", false, "start the VM after import")
	importvmCmd.MarkFlagRequired("vm")
}

func importvm(h *xcpngtests.Harness) error {
	host := h.HostA1()

	uri := importvmFlags.vm
	if _, err := uuid.Parse(uri); err == nil {
		return fmt.Errorf("%q is a VM UUID, nothing to import", uri)
	}
	if resolved, err := h.Gateway().Data().VMImage(uri); err == nil {
		uri = resolved
	}

	srUUID := importvmFlags.sr
	if srUUID == "" {
		var err error
		srUUID, err = host.MainSRUUID()
		if err != nil {
			return err
		}
	}

	vm, err := host.ImportVM(uri, srUUID, importvmFlags.cache)
	if err != nil {
		return fmt.Errorf("importing VM: %v", err)
	}
	fmt.Printf("Imported VM %s\n", vm.UUID())

	if importvmFlags.start {
		if err := vm.Start(); err != nil {
			return fmt.Errorf("starting VM: %v", err)
		}
		if err := vm.WaitForRunningSSH(); err != nil {
			return err
		}
		fmt.Printf("VM %s is up at %s\n", vm.UUID(), vm.IP())
	}
	return nil
}
