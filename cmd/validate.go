package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	ext_config "github.com/usegalaxy-eu/byoc-sync/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and secrets files",
		Long: "Parses the configuration files against their JSON schema and checks that the secrets file\n" +
			"holds every credential a run needs. Nothing is fetched, cloned or written.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s and %s are valid, syncing %s into branch %s of %s\n",
				strings.Join(rootCmdConfigFiles, ", "), rootCmdSecretsFile, cfg.ServerURL, cfg.BranchName, cfg.RepoLocalDir)
			return nil
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(ext_config.Schema())
			return err
		},
	}
}
