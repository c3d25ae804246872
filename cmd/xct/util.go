package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	xcpngtests "github.com/rushikeshjadhav/xcp-ng-tests"
)

type harnessFunc func(*xcpngtests.Harness) error

func withHarness(do harnessFunc) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, _ []string) {
		if err := runDoWithHarness(do); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
}

func runDoWithHarness(do harnessFunc) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := buildOptions(logger)
	data, err := xcpngtests.LoadData(rootFlags.dataConfig)
	if err != nil {
		return err
	}

	h, err := xcpngtests.New(opts, data)
	if err != nil {
		return fmt.Errorf("resolving topology: %v", err)
	}
	defer h.Close()

	if err := do(h); err != nil {
		return err
	}
	return h.Close()
}

func buildOptions(logger *zap.SugaredLogger) *xcpngtests.Options {
	opts := xcpngtests.DefaultOptions()
	opts.Hosts = rootFlags.hosts
	opts.Nest = rootFlags.nest
	opts.SecondNetwork = rootFlags.secondNetwork
	opts.SRDisks = rootFlags.srDisks
	opts.SRDisks4K = rootFlags.srDisks4K
	opts.IgnoreSSHBanner = rootFlags.ignoreSSHBanner
	opts.SSHOutputMaxLines = rootFlags.sshOutputMaxLines
	opts.Logger = logger
	return opts
}

func buildLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !rootFlags.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}
