// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-appservice runs a minimal Matrix application service built
// on the SDK, and generates the registration document a homeserver needs to
// attach it. It is mainly a reference for wiring the SDK into a real bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "matrix-appservice",
	Short:   "Matrix application service SDK demo",
	Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
}

func main() {
	rootCmd.AddCommand(runCmd, generateRegistrationCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
