// Package rules loads rule definitions from a directory of JSON files and
// resolves them by name. A rule carries a prompt template, an optional tool
// whitelist and an optional model hint.
package rules

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/datapilot/errors"
)

// ErrNotFound is returned when a rule name is not known.
var ErrNotFound = errors.Sentinel("rule not found")

// Rule is one loaded rule definition.
type Rule struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

// Display returns the display name, falling back to the rule name.
func (r *Rule) Display() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// allowed substitution points in rule prompt templates.
var allowedPlaceholders = map[string]bool{
	"current_time": true,
	"file_path":    true,
}

// Validate rejects templates that use placeholders outside the fixed set, so
// prompt content can never accidentally interpolate.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule is missing a name")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("rule %q has an empty prompt", r.Name)
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(r.Prompt, -1) {
		if !allowedPlaceholders[m[1]] {
			return errors.New("rule %q uses unknown placeholder {%s}", r.Name, m[1])
		}
	}
	return nil
}

// Expand fills the template's substitution points. filePath may be empty.
func (r *Rule) Expand(now time.Time, filePath string) string {
	out := strings.ReplaceAll(r.Prompt, "{current_time}", now.Format("2006-01-02 15:04:05 MST"))
	out = strings.ReplaceAll(out, "{file_path}", filePath)
	return out
}

// Store reads rules from a directory and looks them up by name. It is
// read-mostly; Reload swaps the whole set atomically.
type Store struct {
	dir string

	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewStore loads all *.json rule files from dir. A missing directory yields
// an empty store rather than an error, so a server can run rule-less.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, rules: make(map[string]*Rule)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rule directory, replacing the loaded set. Individual
// malformed files are skipped with a warning; structural errors (unreadable
// directory entries) abort.
func (s *Store) Reload() error {
	loaded := make(map[string]*Rule)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("rules directory does not exist, no rules loaded", "dir", s.dir)
			s.swap(loaded)
			return nil
		}
		return errors.Wrapf(err, "failed to read rules directory %s", s.dir)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read rule file %s", path)
		}
		var r Rule
		if err := json.Unmarshal(data, &r); err != nil {
			slog.Warn("skipping malformed rule file", "file", path, "error", err)
			continue
		}
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		if err := r.Validate(); err != nil {
			slog.Warn("skipping invalid rule", "file", path, "error", err)
			continue
		}
		loaded[r.Name] = &r
	}

	s.swap(loaded)
	slog.Info("rules loaded", "dir", s.dir, "count", len(loaded))
	return nil
}

func (s *Store) swap(rules map[string]*Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Get returns the rule with the given name.
func (s *Store) Get(name string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "rule %q", name)
	}
	return r, nil
}

// Names returns the loaded rule names, unordered.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.rules))
	for n := range s.rules {
		names = append(names, n)
	}
	return names
}

// ParseCommand splits a chat message into (rule name, query). A leading "/"
// introduces a rule invocation: the first whitespace-delimited token is the
// rule name and the remainder is the query.
func ParseCommand(message string) (ruleName, query string) {
	if !strings.HasPrefix(message, "/") {
		return "", message
	}
	rest := message[1:]
	name, query, found := strings.Cut(rest, " ")
	if !found {
		return rest, ""
	}
	return name, query
}
