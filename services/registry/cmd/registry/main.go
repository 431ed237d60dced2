package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"copyreg/services/registry/internal/config"
)

const programName = "registry"

type configKey struct{}

var configFile string

func configFromContext(ctx context.Context) config.FileConfig {
	cfg, _ := ctx.Value(configKey{}).(config.FileConfig)
	return cfg
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Copyright application registry",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file (default $REGISTRY_CONFIG or config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = os.Getenv("REGISTRY_CONFIG")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(initDBCommand())
	rootCmd.AddCommand(createAdminCommand())
	rootCmd.AddCommand(seedCommand())

	if err := rootCmd.Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
