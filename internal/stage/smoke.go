package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// SmokeDeps are the collaborators shared by both smoke stages. Generator and
// Repairer may be nil; they are only used when dynamic smoke is enabled.
type SmokeDeps struct {
	Runner    *checks.Runner
	Generator checks.Generator
	Repairer  checks.Repairer
	Dir       string
}

// commandSet resolves and runs the commands of one smoke stage: the explicit
// mapping first, then agent-generated commands.
type commandSet struct {
	stage   string
	sets    config.CommandSetConfig
	policy  config.SmokePolicyConfig
	dynamic config.DynamicSmokeConfig
	deps    SmokeDeps
}

type selection struct {
	name     string
	commands []checks.Command
	warnings []string
	notes    []string
}

// selectCommands returns (nil, nil) when the stage has nothing to run and
// the smoke policy allows skipping it.
func (c *commandSet) selectCommands(ctx context.Context, in *Input, logf func(string, ...any)) (*selection, *pipeline.StageResult) {
	name, cmds := checks.SelectSet(in.Task, c.sets.Checks, c.sets.Mapping)
	if len(cmds) > 0 {
		logf("%s_set=%s source=explicit commands=%d", c.stage, name, len(cmds))
		return &selection{name: name, commands: toCommands(cmds, checks.SourceExplicit)}, nil
	}

	var genErr error
	if c.dynamic.Enabled && c.deps.Generator != nil {
		gen, err := c.deps.Generator.Generate(ctx, checks.GenerateRequest{
			Task:        in.Task,
			Stage:       c.stage,
			MaxCommands: c.dynamic.MaxCommands,
		})
		if err == nil {
			sel := &selection{
				name:     "dynamic:" + c.stage,
				commands: toCommands(gen.Commands, checks.SourceDynamic),
				warnings: []string{"Dynamic smoke commands generated by the agent (no explicit mapping found)."},
			}
			if gen.Notes != "" {
				sel.warnings = append(sel.warnings, "Dynamic smoke note: "+gen.Notes)
				sel.notes = append(sel.notes, gen.Notes)
			}
			logf("%s_set=%s source=dynamic commands=%d", c.stage, sel.name, len(sel.commands))
			return sel, nil
		}
		genErr = err
		logf("[%s] dynamic generation failed: %v", c.stage, err)
	}

	taskNo, numbered := checks.TaskNumber(in.Task)
	if !c.policy.RequireExplicitForNumberedTasks || !numbered {
		return nil, nil
	}
	errs := []string{fmt.Sprintf("Task %s has no explicit %s mapping.", taskNo, c.stage)}
	if genErr != nil {
		errs = append(errs, "Dynamic smoke generation failed: "+genErr.Error())
	}
	res := pipeline.Failure(c.stage, in.Task, in.Commit, errs,
		fmt.Sprintf("Add a %s mapping and checks for %s to bridge.yaml.", c.stage, taskNo))
	return nil, withDetail(res, &pipeline.StageDetail{Checks: []pipeline.CheckResult{}})
}

// run executes sel and builds the stage result. A Repairer is only offered
// when dynamic smoke is enabled.
func (c *commandSet) run(ctx context.Context, in *Input, sel *selection, vars map[string]string, onStart func(checks.Command), onDone func(pipeline.CheckResult)) *pipeline.StageResult {
	req := checks.SetRequest{
		Stage:    c.stage,
		Task:     in.Task,
		Dir:      c.deps.Dir,
		Commands: sel.commands,
		Vars:     vars,
		OnStart:  onStart,
		OnDone:   onDone,
	}
	if c.dynamic.Enabled {
		req.Repairer = c.deps.Repairer
	}
	out := c.deps.Runner.RunSet(ctx, req)

	var res *pipeline.StageResult
	if out.Passed() {
		res = pipeline.Success(c.stage, in.Task, in.Commit)
	} else {
		res = pipeline.Failure(c.stage, in.Task, in.Commit, out.Errors,
			fmt.Sprintf("Fix the %s failure or the bridge check commands.", c.stage))
	}
	res.Warnings = append(res.Warnings, sel.warnings...)
	return withDetail(res, &pipeline.StageDetail{CheckSet: sel.name, Notes: sel.notes, Checks: out.Checks})
}

func toCommands(cmds []string, source string) []checks.Command {
	out := make([]checks.Command, 0, len(cmds))
	for _, c := range cmds {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, checks.Command{Command: c, Source: source})
		}
	}
	return out
}

// LocalSmoke runs deterministic commands in the working tree before push.
type LocalSmoke struct {
	progress
	set commandSet
}

// NewLocalSmoke creates the local smoke stage.
func NewLocalSmoke(cfg config.ClientConfig, deps SmokeDeps) *LocalSmoke {
	return &LocalSmoke{set: commandSet{
		stage:   checks.StageLocal,
		sets:    cfg.LocalSmoke,
		policy:  cfg.SmokePolicy,
		dynamic: cfg.DynamicSmoke,
		deps:    deps,
	}}
}

func (s *LocalSmoke) Name() string { return pipeline.StageLocalSmoke }

func (s *LocalSmoke) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	sel, failed := s.set.selectCommands(ctx, in, s.logf)
	if failed != nil {
		return failed
	}
	if sel == nil {
		return nil
	}
	return s.set.run(ctx, in, sel, nil, nil, nil)
}
