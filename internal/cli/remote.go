package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/orchestrator"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

func newClient(cfg *config.Config) *client.Client {
	return client.New(cfg.Bridge.BaseURL(), cfg.Bridge.SharedSecret, cfg.Bridge.RequestTimeout())
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Greet the verification host and print its agent's reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reply, err := newClient(cfg).Hello(cmd.Context(), "client")
		if errors.Is(err, client.ErrDegraded) {
			fmt.Fprintf(cmd.OutOrStdout(), "[server] %s\n", err)
			return &ExitError{Code: 1}
		}
		if err != nil {
			return err
		}
		text := reply.Message
		if reply.Reply != nil {
			text = *reply.Reply
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[server] %s (%s)\n", text, reply.ReplySource)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose reachability of the verification host",
	Long: `Probe the verification host and report one of:
  ok               reachable, secret accepted, agent answering
  degraded         reachable, secret accepted, agent unavailable
  secret_declined  reachable, but the shared secret does not match
  unreachable      no answer at bridge.host:bridge.port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d := client.Diagnose(cmd.Context(), newClient(cfg))

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "server:  %s\n", cfg.Bridge.BaseURL())
		fmt.Fprintf(out, "secret:  %s\n", pipeline.Fingerprint(cfg.Bridge.SharedSecret))
		fmt.Fprintf(out, "state:   %s\n", d.State)
		if d.Detail != "" {
			fmt.Fprintf(out, "detail:  %s\n", d.Detail)
		}
		if d.Hello != "" {
			fmt.Fprintf(out, "hello:   %s\n", d.Hello)
		}
		switch d.State {
		case client.Reachable, client.Degraded:
			return nil
		case client.SecretDeclined:
			fmt.Fprintln(out, "hint:    both hosts must use the same bridge.shared_secret")
		case client.Unreachable:
			fmt.Fprintln(out, "hint:    check that \"bridge serve\" is running and the port is reachable")
		}
		return &ExitError{Code: 1}
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Wait for a job's terminal result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = cfg.Bridge.ResultTimeout()
		}
		c := newClient(cfg)
		c.SetProgress(cmd.ErrOrStderr())

		job, err := c.WaitForResult(cmd.Context(), args[0], cfg.Bridge.PollInterval(), timeout)
		if err != nil {
			return err
		}
		res := pipeline.FromJob(pipeline.StageReview, job)
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			if err := writeJSON(cmd, job); err != nil {
				return err
			}
		} else {
			orchestrator.PrintSummary(cmd.OutOrStdout(), res)
		}
		return exitFor(res)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Print a job's event timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		events, err := newClient(cfg).Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}
		for _, ev := range events {
			fmt.Fprintln(cmd.OutOrStdout(), client.FormatEvent(ev))
		}
		return nil
	},
}

var watchEventsCmd = &cobra.Command{
	Use:   "watch-events <job-id>",
	Short: "Follow a job's event timeline until interrupted or timed out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		w := client.NewWatcher(newClient(cfg), args[0], "", cfg.Bridge.PollInterval(), cmd.OutOrStdout())
		w.Run(cmd.Context(), timeout)
		return nil
	},
}

var lastResultCmd = &cobra.Command{
	Use:   "last-result",
	Short: "Print the most recent terminal result of the client pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := pipeline.ReadLastResult(pipeline.LastResultPath(cfg.Bridge.StateDir))
		if errors.Is(err, pipeline.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No result recorded yet.")
			return nil
		}
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, res)
		}
		orchestrator.PrintSummary(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	waitCmd.Flags().Duration("timeout", 0, "How long to wait (default bridge.result_timeout_seconds)")
	waitCmd.Flags().String("format", "text", "Output format: text or json")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
	watchEventsCmd.Flags().Duration("timeout", 0, "Stop after this long (0 = until interrupted)")
	lastResultCmd.Flags().String("format", "text", "Output format: text or json")
}
