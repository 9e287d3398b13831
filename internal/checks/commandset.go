package checks

import (
	"regexp"
	"sort"
	"strings"
)

var (
	taskNumberPattern   = regexp.MustCompile(`\b(\d+)\.(\d+)\b`)
	placeholderPattern  = regexp.MustCompile(`\{\{([A-Z_]+)\}\}`)
	serviceTokenPattern = regexp.MustCompile(`\{\{service:([a-zA-Z0-9_-]+)\}\}`)
)

// TaskNumber extracts "<phase>.<task>" from a task title such as
// "2.11 Grades Module". ok is false when the title carries no number.
func TaskNumber(task string) (string, bool) {
	m := taskNumberPattern.FindStringSubmatch(task)
	if m == nil {
		return "", false
	}
	return m[1] + "." + m[2], true
}

// TaskKeys returns the mapping keys tried for task, most specific first:
// "2.11", "2.x", "2". Untitled tasks yield nil.
func TaskKeys(task string) []string {
	m := taskNumberPattern.FindStringSubmatch(task)
	if m == nil {
		return nil
	}
	return []string{m[1] + "." + m[2], m[1] + ".x", m[1]}
}

// SelectSet picks the command set for task on the originating host. The
// explicit mapping is consulted first by task keys; then set names matching
// a keyword in the title; then "default". It returns "" and nil when nothing
// applies, which callers treat as "fall back to generated commands".
func SelectSet(task string, sets map[string][]string, mapping map[string]string) (string, []string) {
	if len(sets) == 0 {
		return "", nil
	}
	if key := detectMappingKey(task, mapping); key != "" {
		if name := mapping[key]; name != "" {
			if cmds, ok := sets[name]; ok && len(cmds) > 0 {
				return name, cmds
			}
		}
	}
	lowered := strings.ToLower(task)
	for _, name := range []string{"api", "web", "platform", "default"} {
		cmds, ok := sets[name]
		if !ok || len(cmds) == 0 {
			continue
		}
		if name == "default" || strings.Contains(lowered, name) {
			return name, cmds
		}
	}
	return "", nil
}

func detectMappingKey(task string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return ""
	}
	for _, key := range TaskKeys(task) {
		if _, ok := mapping[key]; ok {
			return key
		}
	}
	lowered := strings.ToLower(task)
	for _, tok := range []string{"api", "web", "platform"} {
		if _, ok := mapping[tok]; ok && strings.Contains(lowered, tok) {
			return tok
		}
	}
	if _, ok := mapping["default"]; ok {
		return "default"
	}
	return ""
}

// DetectServerSet picks the verification host's check set. A mapped name
// wins even when the set is undefined, in which case the default commands
// run under that name.
func DetectServerSet(task string, sets map[string][]string, mapping map[string]string) (string, []string) {
	for _, key := range TaskKeys(task) {
		if name := mapping[key]; name != "" {
			return name, setOrDefault(sets, name)
		}
	}
	lowered := strings.ToLower(task)
	if containsAny(lowered, "api", "backend", "nest") {
		return "api", setOrDefault(sets, "api")
	}
	if containsAny(lowered, "web", "frontend", "next", "platform") {
		return "web", setOrDefault(sets, "web")
	}
	return "default", sets["default"]
}

func setOrDefault(sets map[string][]string, name string) []string {
	if cmds, ok := sets[name]; ok {
		return cmds
	}
	return sets["default"]
}

func containsAny(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Render substitutes {{NAME}} placeholders from vars. Unknown placeholders are
// left in place so a failing command still shows what was missing.
func Render(command string, vars map[string]string) string {
	if !strings.Contains(command, "{{") {
		return command
	}
	return placeholderPattern.ReplaceAllStringFunc(command, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

// ServiceAliases lists the distinct {{service:alias}} tokens in command.
func ServiceAliases(command string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range serviceTokenPattern.FindAllStringSubmatch(command, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

// RenderServices replaces every {{service:alias}} token using resolve.
func RenderServices(command string, resolve func(alias string) string) string {
	if !strings.Contains(command, "{{service:") {
		return command
	}
	return serviceTokenPattern.ReplaceAllStringFunc(command, func(tok string) string {
		return resolve(serviceTokenPattern.FindStringSubmatch(tok)[1])
	})
}

// ResolveServiceName matches alias against running service names using its
// configured patterns (exact, then prefix, then substring), then the alias
// itself as a token. With no match the alias is returned unchanged.
func ResolveServiceName(alias string, patterns, services []string) string {
	if len(services) == 0 {
		return alias
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		for _, name := range services {
			if name == p {
				return name
			}
		}
		for _, name := range services {
			if strings.HasPrefix(name, p) {
				return name
			}
		}
		for _, name := range services {
			if strings.Contains(name, p) {
				return name
			}
		}
	}
	for _, name := range services {
		if strings.HasPrefix(name, alias) || strings.Contains(name, alias) {
			return name
		}
	}
	return alias
}
