package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

const masked = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect the bridge configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the bridge configuration for missing or inconsistent fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfigPath()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)
			fmt.Fprintf(out, "secret fingerprint: %s\n", pipeline.Fingerprint(cfg.Bridge.SharedSecret))
			return nil
		}

		fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(out, "  %-40s %s\n", e.Field, e.Message)
		}
		return &ExitError{Code: 1}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with defaults applied",
	Long: `Print the resolved configuration with defaults applied and ${NAME}
placeholders expanded. The shared secret, deploy auth header, Telegram token
and smoke password are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(maskSecrets(*cfg))
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print which configuration file would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, path, err := loadConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

// maskSecrets returns a copy of cfg with every non-empty secret replaced.
func maskSecrets(cfg config.Config) config.Config {
	for _, s := range []*string{
		&cfg.Bridge.SharedSecret,
		&cfg.Client.Deploy.AuthHeaderValue,
		&cfg.Client.Notify.Telegram.BotToken,
		&cfg.Client.SmokeAuth.Password,
	} {
		if *s != "" {
			*s = masked
		}
	}
	return cfg
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
