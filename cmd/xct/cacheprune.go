package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	xcpngtests "github.com/rushikeshjadhav/xcp-ng-tests"
)

var cachepruneCmd = &cobra.Command{
	Use:   "cache-prune",
	Short: "List or destroy cached VMs on every pool",
	Args:  cobra.NoArgs,
	Run:   withHarness(cacheprune),
}

var cachepruneFlags = struct {
	destroy bool
	match   string
}{}

func init() {
	rootCmd.AddCommand(cachepruneCmd)
	cachepruneCmd.Flags().BoolVar(&cachepruneFlags.destroy, "destroy", false, "destroy the matching cache entries instead of listing them")
	cachepruneCmd.Flags().StringVar(&cachepruneFlags.match, "match", "", "only consider cache entries whose key contains this substring")
}

// Cache entries are regular VMs whose description carries the cache
// marker, so pruning is a description scan over every VM of the pool.
func cacheprune(h *xcpngtests.Harness) error {
	for _, master := range h.Masters() {
		uuids, err := master.VMUUIDs()
		if err != nil {
			return err
		}
		for _, vmUUID := range uuids {
			vm := xcpngtests.NewVM(master, vmUUID)
			desc, err := vm.ParamGet("name-description")
			if err != nil {
				return err
			}
			if !strings.HasPrefix(desc, "[Cache for ") {
				continue
			}
			if cachepruneFlags.match != "" && !strings.Contains(desc, cachepruneFlags.match) {
				continue
			}
			if cachepruneFlags.destroy {
				fmt.Printf("Destroying cached VM %s: %s\n", vmUUID, desc)
				if err := vm.Destroy(true); err != nil {
					return err
				}
			} else {
				fmt.Printf("Cached VM %s: %s\n", vmUUID, desc)
			}
		}
	}
	return nil
}
