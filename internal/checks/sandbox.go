package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// Stages with extra rules on top of the forbidden-token list.
const (
	StageLocal      = "local_smoke"
	StagePostDeploy = "post_deploy_smoke"
)

// MaxCommandLength bounds any single command accepted for execution.
const MaxCommandLength = 900

// ForbiddenTokens are history-rewriting or destructive operations that are
// never executed, whatever produced the command. Matching is case-insensitive.
var ForbiddenTokens = []string{
	"git push",
	"git pull",
	"git reset",
	"git checkout",
	"git rebase",
	"git clean",
	"docker service update",
	"docker compose up",
	"rm -rf ",
}

// Policy rule names reported in PolicyError.Rule.
const (
	RuleEmpty          = "empty_command"
	RuleForbiddenToken = "forbidden_token"
	RuleRemoteInLocal  = "remote_call_in_local_stage"
	RuleMissingBaseURL = "missing_base_url_placeholder"
	RuleTooLong        = "command_too_long"
)

// PolicyError is a hard rejection of a command. The command is never run.
type PolicyError struct {
	Token   string
	Rule    string
	Command string
}

func (e *PolicyError) Error() string {
	switch e.Rule {
	case RuleForbiddenToken:
		return fmt.Sprintf("command rejected: forbidden token %q", e.Token)
	case RuleRemoteInLocal:
		return fmt.Sprintf("command rejected: local stage must not call remote endpoint %q", e.Token)
	case RuleMissingBaseURL:
		return "command rejected: remote call must use the {{BASE_URL}} placeholder"
	case RuleTooLong:
		return fmt.Sprintf("command rejected: longer than %d characters", MaxCommandLength)
	}
	return "command rejected: " + e.Rule
}

var (
	remoteURLPattern = regexp.MustCompile(`(?i)https?://[^\s'"]+`)
	localHostPattern = regexp.MustCompile(`(?i)^https?://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\])([:/]|$)`)
)

// Validate checks command against the forbidden-token list and the rules of
// stage. It returns a *PolicyError on rejection. Templates are validated
// before placeholder substitution.
func Validate(stage, command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return &PolicyError{Rule: RuleEmpty, Command: command}
	}
	lowered := strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
	for _, tok := range ForbiddenTokens {
		if strings.Contains(lowered, tok) {
			return &PolicyError{Token: tok, Rule: RuleForbiddenToken, Command: command}
		}
	}
	if len(trimmed) > MaxCommandLength {
		return &PolicyError{Rule: RuleTooLong, Command: command}
	}

	switch stage {
	case StageLocal:
		if !IsHTTPProbe(trimmed) {
			return nil
		}
		for _, u := range remoteURLPattern.FindAllString(trimmed, -1) {
			if !localHostPattern.MatchString(u) {
				return &PolicyError{Token: u, Rule: RuleRemoteInLocal, Command: command}
			}
		}
	case StagePostDeploy:
		if IsHTTPProbe(trimmed) && !strings.Contains(lowered, "{{base_url}}") {
			return &PolicyError{Rule: RuleMissingBaseURL, Command: command}
		}
	}
	return nil
}
