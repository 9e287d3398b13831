package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// configFile overrides the config search for every command.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Push, verify and report a task across two hosts",
	Long: `bridge connects the host where code is written to the host that runs it.

The originating host runs the client pipeline: local gates, push, CI,
deploy hooks, runtime health, post-deploy smoke and the remote review,
with a bounded auto-fix loop around the whole sequence. The verification
host runs "bridge serve", which queues triggers and executes server-side
checks one job at a time.

Configuration is read from bridge.yaml (see "bridge config show").`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError ends the process with Code after the command already reported
// the outcome.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func exitFor(res *pipeline.StageResult) error {
	if res.Proceed() {
		return nil
	}
	return &ExitError{Code: 1}
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, _, err := loadConfigPath()
	return cfg, err
}

// loadConfigPath also reports which file the configuration came from.
func loadConfigPath() (*config.Config, string, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, configFile, err
	}
	return config.LoadDefault()
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to bridge.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(helloCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pushNextCmd)
	rootCmd.AddCommand(nextTaskCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(watchEventsCmd)
	rootCmd.AddCommand(lastResultCmd)
}
