package main

import (
	"fmt"

	"github.com/spf13/cobra"

	xcpngtests "github.com/rushikeshjadhav/xcp-ng-tests"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Resolve the --hosts list and print the resulting pools",
	Args:  cobra.NoArgs,
	Run:   withHarness(topology),
}

func init() {
	rootCmd.AddCommand(topologyCmd)
}

func topology(h *xcpngtests.Harness) error {
	for i, master := range h.Masters() {
		pool := master.Pool()
		fmt.Printf("Pool %d: %s (master %s)\n", i+1, pool.UUID(), master.Addr())
		for _, member := range pool.Hosts() {
			name, err := member.Hostname()
			if err != nil {
				return err
			}
			fmt.Printf("  Host %s: %s (%s)\n", member.UUID(), member.Addr(), name)
		}
	}
	return nil
}
