// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"

	"github.com/saferwall/carve"
	"github.com/saferwall/carve/yara"
)

func newYaraCommand() *cobra.Command {
	var (
		configPath      string
		storeRoot       string
		identifiersPath string
		identifierFiles bool
		verbose         bool
	)
	cmd := &cobra.Command{
		Use:   "yara [flags]",
		Short: "Emit scan rules from a finished store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := carve.DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = carve.LoadConfig(configPath)
				if err != nil {
					return err
				}
			}
			if cfg.YaraDirectory == "" {
				cfg.YaraDirectory = "yara"
			}
			logger := newLogger(verbose)
			store, err := carve.OpenStore(storeRoot, logger)
			if err != nil {
				return err
			}
			lq, err := yara.LoadLowQuality(identifiersPath)
			if err != nil {
				return err
			}
			emitter := yara.NewEmitter(cfg, lq, logger)
			emitter.GenerateIdentifierFiles = identifierFiles
			return emitter.EmitStore(store)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&storeRoot, "store", "s", "store", "store root directory")
	cmd.Flags().StringVarP(&identifiersPath, "identifiers", "i", "",
		"denylist of low quality identifiers")
	cmd.Flags().BoolVar(&identifierFiles, "identifier-files", false,
		"also write per package identifier dumps")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}
