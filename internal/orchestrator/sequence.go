package orchestrator

import (
	"context"
	"io"
	"net/http"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/github"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/session"
	"github.com/lucasnoah/taintbridge/internal/stage"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// repoContextChars caps the diff excerpt handed to smoke generation.
const repoContextChars = 6000

// Sequence is one attempt's worth of stages, built from a freshly loaded
// config.
type Sequence struct {
	Client   *client.Client
	Redactor *pipeline.Redactor
	Stages   []stage.Stage
	Tracker  stage.Stage // runs only after every stage passed; may be nil
}

// Runtime holds the long-lived collaborators a Sequence is built around.
type Runtime struct {
	Repo     *worktree.Repo
	GH       *github.Client
	Agent    *agent.CLI // nil when the client agent is disabled
	Shell    checks.CommandRunner
	Session  session.Options
	Progress io.Writer
}

type progressSetter interface {
	SetProgress(io.Writer)
}

// BuildSequence wires the client pipeline in its fixed order: local gates,
// preflight, push, then the remote observations and the review.
func BuildSequence(cfg *config.Config, rt Runtime) *Sequence {
	cc := cfg.Client
	c := client.New(cfg.Bridge.BaseURL(), cfg.Bridge.SharedSecret, cfg.Bridge.RequestTimeout())
	redact := pipeline.NewRedactor(
		cfg.Bridge.SharedSecret,
		cc.Deploy.AuthHeaderValue,
		cc.Notify.Telegram.BotToken,
		cc.SmokeAuth.Password,
	)

	shell := rt.Shell
	if shell == nil {
		shell = &checks.ExecRunner{}
	}
	runner := checks.NewRunner(shell)
	runner.SetProgress(rt.Progress)

	smoke := stage.SmokeDeps{Runner: runner, Dir: rt.Repo.Dir()}
	if rt.Agent != nil {
		smoke.Generator = agent.NewGenerator(rt.Agent, cc.DynamicSmoke.Timeout(), func(context.Context) string {
			return rt.Repo.DiffExcerpt(repoContextChars)
		})
		smoke.Repairer = agent.NewRepairer(rt.Agent, cc.DynamicSmoke.Timeout())
	}

	sessionCfg := cc.SessionContext
	sessionOpts := rt.Session
	sessionFunc := func() *pipeline.SessionContext {
		return session.Excerpt(sessionCfg, sessionOpts)
	}

	seq := &Sequence{
		Client:   c,
		Redactor: redact,
		Stages: []stage.Stage{
			stage.NewImplementation(cc.Implementation, rt.Repo.Dir()),
			stage.NewSubtasks(cc.Subtasks, rt.Repo.Dir(), cc.TasksFile),
			stage.NewLocalSmoke(cc, smoke),
			stage.NewPreflight(c),
			stage.NewPush(rt.Repo, cc.Remote, cc.Branch),
			stage.NewCI(cc.GitHubCI, rt.GH, rt.Repo, cc.Remote),
			stage.NewDeploy(cc.Deploy, &http.Client{Timeout: cc.Deploy.RequestTimeout()}),
			stage.NewHealth(cc.RuntimeChecks, &http.Client{Timeout: cc.RuntimeChecks.RequestTimeout()}),
			stage.NewFeatureSmoke(cc, cfg.Bridge.RequestTimeout(), stage.FeatureSmokeDeps{
				SmokeDeps: smoke,
				Shell:     shell,
				Redactor:  redact,
			}),
			stage.NewReview(c, sessionFunc, cfg.Bridge.PollInterval(), cfg.Bridge.ResultTimeout()),
		},
		Tracker: stage.NewTracker(cc.Tracker, rt.Repo, cc.TasksFile, cc.Remote, cc.Branch),
	}
	for _, s := range append(seq.Stages, seq.Tracker) {
		if p, ok := s.(progressSetter); ok {
			p.SetProgress(rt.Progress)
		}
	}
	return seq
}
