// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUnsupported = 2
)

// errUnsupportedInput marks inputs the engine cannot take, such as
// directories or devices.
var errUnsupportedInput = errors.New("unsupported input")

func main() {
	root := &cobra.Command{
		Use:           "carver",
		Short:         "Recursively unpack and identify the contents of binary files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newScanCommand())
	root.AddCommand(newYaraCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "carver: %v\n", err)
		if errors.Is(err, errUnsupportedInput) {
			os.Exit(exitUnsupported)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
