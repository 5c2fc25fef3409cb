// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saferwall/carve"
	"github.com/saferwall/carve/log"
)

func newScanCommand() *cobra.Command {
	var (
		configPath string
		storeRoot  string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "scan [flags] FILE...",
		Short: "Unpack input files recursively into a store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := carve.DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = carve.LoadConfig(configPath)
				if err != nil {
					return err
				}
			}
			for _, input := range args {
				fi, err := os.Stat(input)
				if err != nil {
					return err
				}
				if !fi.Mode().IsRegular() {
					return fmt.Errorf("%s: %w", input, errUnsupportedInput)
				}
			}
			store, err := carve.Scan(cmd.Context(), cfg, storeRoot, args,
				newLogger(verbose))
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d file(s) into %s\n", len(args), store.Root())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&storeRoot, "store", "s", "store", "store root directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newLogger(verbose bool) log.Logger {
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	return log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(level))
}
