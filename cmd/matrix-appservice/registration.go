// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aiku/matrix-appservice/pkg/appservice"
)

var registrationOutput string

func init() {
	generateRegistrationCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	generateRegistrationCmd.Flags().StringVarP(&registrationOutput, "output", "o", "", "write the registration to a file instead of stdout")
}

var generateRegistrationCmd = &cobra.Command{
	Use:   "generate-registration",
	Short: "Generate the registration document for the homeserver",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := appservice.LoadConfig(configPath)
		if err != nil {
			return err
		}
		reg := cfg.GenerateRegistration()
		if registrationOutput != "" {
			return reg.Save(registrationOutput)
		}
		data, err := reg.YAML()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}
