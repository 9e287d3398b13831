package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe    = regexp.MustCompile(`\{\{([a-z_][a-z0-9_]*)\}\}`)
	ifOpenRe = regexp.MustCompile(`\{\{#if\s+([a-z_][a-z0-9_]*)\s*\}\}`)
)

const ifClose = "{{/if}}"

// Vars is a map of variable names to values for template rendering.
// Values are inserted verbatim and never expanded again, so a value may carry
// literal {{PLACEHOLDER}} text meant for a smoke command.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{name}} is replaced with its value; a missing variable is an error.
// {{#if name}}...{{/if}} blocks survive only when name is non-empty.
// Variable names are lower-case so upper-case smoke placeholders such as
// {{BASE_URL}} in template text pass through untouched.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(tok string) string {
		name := varRe.FindStringSubmatch(tok)[1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return tok
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// expandConditionals resolves {{#if}} blocks innermost first: each {{/if}}
// pairs with the nearest {{#if}} before it.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	s := tmpl
	for {
		end := strings.Index(s, ifClose)
		if end < 0 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(s[:end], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("dangling %s without matching {{#if}}", ifClose)
		}
		open := opens[len(opens)-1]
		name := s[open[2]:open[3]]

		keep := ""
		if vars[name] != "" {
			keep = s[open[1]:end]
		}
		s = s[:open[0]] + keep + s[end+len(ifClose):]
	}
	if loc := ifOpenRe.FindString(s); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return s, nil
}

// Load returns the named template. A file of the same name under overrideDir
// wins over the built-in copy; overrideDir may be empty.
func Load(name, overrideDir string) (string, error) {
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("template name %q escapes the override directory", name)
	}
	if overrideDir != "" {
		if data, err := os.ReadFile(filepath.Join(overrideDir, name)); err == nil {
			return string(data), nil
		}
	}
	tmpl, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}
	return tmpl, nil
}

// Build loads and renders the named template in one step.
func Build(name, overrideDir string, vars Vars) (string, error) {
	tmpl, err := Load(name, overrideDir)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(out) + "\n", nil
}

// Names lists the built-in template names.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	return names
}
