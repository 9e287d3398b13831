package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Options override the configured session selection for one run.
type Options struct {
	SessionID string
	Disabled  bool
}

// Resolve locates the session transcript. An explicit path wins; otherwise the
// newest *.jsonl under the sessions root whose name contains the session id.
// ok is false when no session is configured. When the id matches nothing a
// glob-shaped placeholder path is returned so the caller can report it.
func Resolve(cfg config.SessionContextConfig) (path string, ok bool) {
	if p := strings.TrimSpace(cfg.Path); p != "" {
		return expandHome(os.ExpandEnv(p)), true
	}
	id := strings.ToLower(strings.TrimSpace(cfg.SessionID))
	if id == "" {
		return "", false
	}
	root := expandHome(os.ExpandEnv(cfg.SessionsRoot))
	placeholder := filepath.Join(root, "*"+id+"*.jsonl")

	type candidate struct {
		path  string
		mtime int64
	}
	var found []candidate
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if !strings.HasSuffix(name, ".jsonl") || !strings.Contains(name, id) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			found = append(found, candidate{path: p, mtime: info.ModTime().UnixNano()})
		}
		return nil
	})
	if len(found) == 0 {
		return placeholder, true
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
	return found[0].path, true
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

type row struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type payload struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message string          `json:"message"`
}

type message struct {
	role string
	text string
}

// Excerpt builds the session context sent with a trigger. It returns nil when
// session context is disabled or unconfigured. Read problems are reported in
// the Error field rather than failing the push.
func Excerpt(cfg config.SessionContextConfig, opts Options) *pipeline.SessionContext {
	if opts.Disabled {
		return nil
	}
	if opts.SessionID != "" {
		cfg.Enabled = true
		cfg.Path = ""
		cfg.SessionID = opts.SessionID
	}
	if !cfg.Enabled {
		return nil
	}
	path, ok := Resolve(cfg)
	if !ok {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &pipeline.SessionContext{SourcePath: path, Error: "session file not found"}
		}
		return &pipeline.SessionContext{SourcePath: path, Error: fmt.Sprintf("session read failed: %v", err)}
	}
	defer f.Close()

	roles := map[string]bool{}
	for _, r := range cfg.Roles {
		if r = strings.TrimSpace(r); r != "" {
			roles[r] = true
		}
	}

	var msgs []message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if m, ok := parseLine(line); ok && roles[m.role] {
			msgs = append(msgs, m)
		}
	}
	if err := sc.Err(); err != nil {
		return &pipeline.SessionContext{SourcePath: path, Error: fmt.Sprintf("session read failed: %v", err)}
	}

	if cfg.MaxMessages > 0 && len(msgs) > cfg.MaxMessages {
		msgs = msgs[len(msgs)-cfg.MaxMessages:]
	}
	return &pipeline.SessionContext{
		SourcePath:   path,
		MessageCount: len(msgs),
		Excerpt:      render(msgs, cfg.MaxChars),
	}
}

func parseLine(line string) (message, bool) {
	var r row
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return message{}, false
	}
	var p payload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return message{}, false
	}
	var m message
	switch {
	case r.Type == "response_item" && p.Type == "message":
		m = message{role: p.Role, text: contentText(p.Content)}
	case r.Type == "event_msg" && p.Type == "user_message":
		m = message{role: "user", text: strings.TrimSpace(p.Message)}
	default:
		return message{}, false
	}
	return m, m.role != "" && m.text != ""
}

// contentText accepts either a plain string or a list of {"text": ...} parts.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// render keeps the newest messages that fit in maxChars, oldest first.
func render(msgs []message, maxChars int) string {
	remaining := maxChars
	var blocks []string
	for i := len(msgs) - 1; i >= 0; i-- {
		block := strings.ToUpper(msgs[i].role) + ": " + msgs[i].text
		if len(block) > remaining {
			cut := remaining - 3
			if cut < 0 {
				cut = 0
			}
			block = block[:cut] + "..."
		}
		blocks = append(blocks, block)
		remaining -= len(block) + 2
		if remaining <= 0 {
			break
		}
	}
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return strings.Join(blocks, "\n\n")
}
