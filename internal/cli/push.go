package cli

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/github"
	"github.com/lucasnoah/taintbridge/internal/orchestrator"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/session"
	"github.com/lucasnoah/taintbridge/internal/tracker"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

var pushCmd = &cobra.Command{
	Use:   "push <task>",
	Short: "Run the client pipeline for a task",
	Long: `Run the client pipeline for a task: local gates, push, CI, deploy hooks,
runtime health, post-deploy smoke and the remote review. Failed attempts are
repaired by the client agent and retried when client.auto_fix is enabled.

The final result is printed as a summary, written to the last-result file
and, when configured, sent to Telegram. Exit status is 0 only on pass.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPush(cmd, args[0])
	},
}

var pushNextCmd = &cobra.Command{
	Use:   "push-next",
	Short: "Run the client pipeline for the next not-started tracker task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		task, err := nextTask(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "[tracker] next task: %s\n", task.Label())
		return runPush(cmd, task.Label())
	},
}

var nextTaskCmd = &cobra.Command{
	Use:   "next-task",
	Short: "Print the next not-started tracker task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		task, err := nextTask(cfg)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, map[string]string{
				"number": task.Number,
				"title":  task.Title,
				"status": task.Status,
				"label":  task.Label(),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), task.Label())
		return nil
	},
}

func nextTask(cfg *config.Config) (*tracker.Task, error) {
	if cfg.Client.TasksFile == "" {
		return nil, fmt.Errorf("client.tasks_file is not set")
	}
	path := cfg.Client.TasksFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Client.RepoPath, path)
	}
	task, err := tracker.NextTask(path)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("no not-started task in %s", path)
	}
	return task, nil
}

func runPush(cmd *cobra.Command, task string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")
	sessionID, _ := cmd.Flags().GetString("session-id")
	noSession, _ := cmd.Flags().GetBool("no-session-context")

	progress := cmd.ErrOrStderr()
	dir := cfg.Client.RepoPath
	repo := worktree.NewRepo(&worktree.ExecGit{}, dir)
	gh := github.NewClient(&github.ExecRunner{Dir: dir})
	shell := &checks.ExecRunner{}
	opts := session.Options{SessionID: sessionID, Disabled: noSession}

	deps := orchestrator.Deps{
		Repo: repo,
		Load: loadConfig,
		Build: func(c *config.Config) *orchestrator.Sequence {
			return orchestrator.BuildSequence(c, orchestrator.Runtime{
				Repo:     repo,
				GH:       gh,
				Agent:    clientAgent(c, progress),
				Shell:    shell,
				Session:  opts,
				Progress: progress,
			})
		},
		Out: cmd.OutOrStdout(),
	}
	if cli := clientAgent(cfg, progress); cli != nil && cfg.Client.AutoFix.Enabled {
		deps.Fixer = agent.NewFixer(cli, cfg.Client.Agent.Timeout())
	}
	if tg := cfg.Client.Notify.Telegram; tg.Enabled {
		redact := pipeline.NewRedactor(cfg.Bridge.SharedSecret)
		deps.Notifier = orchestrator.NewTelegram(tg, &http.Client{Timeout: cfg.Bridge.RequestTimeout()}, redact)
	}

	report := orchestrator.New(deps, orchestrator.Options{Watch: watch}).Run(cmd.Context(), task)
	if report.Attempts > 1 {
		fmt.Fprintf(progress, "[jobs] attempts=%d fixes=%d\n", report.Attempts, report.Fixes)
	}
	return exitFor(report.Result)
}

// clientAgent returns nil when the client agent is disabled.
func clientAgent(cfg *config.Config, progress io.Writer) *agent.CLI {
	if !cfg.Client.Agent.Enabled {
		return nil
	}
	cli := agent.NewCLI(agent.OSExec{}, cfg.Client.Agent.Binary, cfg.Client.RepoPath, agent.ClientVariants)
	cli.SetProgress(progress)
	return cli
}

func init() {
	for _, c := range []*cobra.Command{pushCmd, pushNextCmd} {
		c.Flags().Bool("watch", false, "Print the remote job's event timeline while it runs")
		c.Flags().String("session-id", "", "Agent session id whose transcript is sent as review context")
		c.Flags().Bool("no-session-context", false, "Do not send session context with the trigger")
	}
	nextTaskCmd.Flags().String("format", "text", "Output format: text or json")
}
