package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootFlags = struct {
	hosts             []string
	nest              string
	dataConfig        string
	secondNetwork     string
	srDisks           []string
	srDisks4K         []string
	ignoreSSHBanner   bool
	sshOutputMaxLines int
	verbose           bool
}{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xct",
	Short: "A toolkit for driving XCP-ng test pools (topology, VM import, image cache)",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringSliceVar(&rootFlags.hosts, "hosts", nil, "master host of a pool to test against (repeatable, comma-joined; cache://<ref> provisions a nested host)")
	pf.StringVar(&rootFlags.nest, "nest", "", "master of the pool hosting nested hosts, required with cache:// hosts")
	pf.StringVar(&rootFlags.dataConfig, "data", "data.yml", "path to the data configuration (images, credentials, cache aliases)")
	pf.StringVar(&rootFlags.secondNetwork, "second-network", "", "UUID of a non-management network on the first pool")
	pf.StringSliceVar(&rootFlags.srDisks, "sr-disk", nil, "disk device for storage tests, or 'auto' (repeatable)")
	pf.StringSliceVar(&rootFlags.srDisks4K, "sr-disk-4k", nil, "4KiB-native disk device for storage tests, or 'auto' (repeatable)")
	pf.BoolVar(&rootFlags.ignoreSSHBanner, "ignore-ssh-banner", false, "discard SSH banners instead of logging them")
	pf.IntVar(&rootFlags.sshOutputMaxLines, "ssh-output-max-lines", 20, "how many lines of command output to keep in logs, 0 for all")
	pf.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "log every remote command")
}
