// Package envfile reads and writes the automation script's .env settings,
// grouped by key prefix with the comments that precede each key.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Group names, in the order keys are matched by prefix.
const (
	GroupBasic     = "基础配置"
	GroupMail      = "邮箱配置"
	GroupTempMail  = "临时邮箱配置"
	GroupBrowser   = "浏览器配置"
	GroupOther     = "其他配置"
	headerTemplate = "# === %s ==="
)

var groupPrefixes = []struct {
	prefix, group string
}{
	{"DOMAIN", GroupBasic},
	{"IMAP", GroupMail},
	{"TEMP_MAIL", GroupTempMail},
	{"BROWSER_", GroupBrowser},
}

var (
	assignment = regexp.MustCompile(`^[A-Z0-9_]+=`)
	keyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)
	header     = regexp.MustCompile(`^#\s*===\s*.*\s*===\s*$`)
)

// Item is one KEY=value line with its comment.
type Item struct {
	Key     string `json:"key" validate:"required,max=128"`
	Value   string `json:"value" validate:"max=4096"`
	Comment string `json:"comment,omitempty" validate:"max=1024"`
}

// Group is a named set of items.
type Group struct {
	Group string `json:"group" validate:"required,max=64"`
	Items []Item `json:"items" validate:"dive"`
}

// GroupFor returns the group a key belongs to.
func GroupFor(key string) string {
	for _, g := range groupPrefixes {
		if strings.HasPrefix(key, g.prefix) {
			return g.group
		}
	}
	return GroupOther
}

// ValidKey reports whether key is an upper-case env variable name.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Parse groups the assignments in content. Comment lines attach to the next
// assignment; any other line resets them. Group headers written by Stringify
// are skipped.
func Parse(content string) []Group {
	groups := []Group{}
	index := map[string]int{}
	var comments []string

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		switch {
		case header.MatchString(line):
			comments = nil
		case strings.HasPrefix(line, "#"):
			c := strings.TrimPrefix(line, "#")
			comments = append(comments, strings.TrimPrefix(c, " "))
		case assignment.MatchString(line):
			key, value, _ := strings.Cut(line, "=")
			name := GroupFor(key)
			i, ok := index[name]
			if !ok {
				i = len(groups)
				index[name] = i
				groups = append(groups, Group{Group: name})
			}
			groups[i].Items = append(groups[i].Items, Item{
				Key:     key,
				Value:   value,
				Comment: strings.Join(comments, " "),
			})
			comments = nil
		default:
			comments = nil
		}
	}
	return groups
}

// Stringify renders groups back to .env text.
func Stringify(groups []Group) string {
	var b strings.Builder
	for i, g := range groups {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, headerTemplate+"\n", g.Group)
		for _, it := range g.Items {
			if it.Comment != "" {
				fmt.Fprintf(&b, "# %s\n", it.Comment)
			}
			fmt.Fprintf(&b, "%s=%s\n", it.Key, it.Value)
		}
	}
	return b.String()
}

// Validate checks keys and values before they are written.
func Validate(groups []Group) error {
	seen := map[string]bool{}
	for _, g := range groups {
		for _, it := range g.Items {
			if !ValidKey(it.Key) {
				return fmt.Errorf("invalid key %q: use upper-case letters, digits and underscores", it.Key)
			}
			if strings.ContainsAny(it.Value, "\r\n") || strings.ContainsAny(it.Comment, "\r\n") {
				return fmt.Errorf("key %s: values and comments must be single-line", it.Key)
			}
			if seen[it.Key] {
				return fmt.Errorf("duplicate key %s", it.Key)
			}
			seen[it.Key] = true
		}
	}
	return nil
}

// Store serializes access to one .env file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Raw returns the file content; a missing file reads as empty.
func (s *Store) Raw() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", s.path, err)
	}
	return string(data), nil
}

// Load parses the file into groups.
func (s *Store) Load() ([]Group, error) {
	raw, err := s.Raw()
	if err != nil {
		return nil, err
	}
	return Parse(raw), nil
}

// Save validates and writes groups.
func (s *Store) Save(groups []Group) error {
	if err := Validate(groups); err != nil {
		return err
	}
	return s.WriteRaw(Stringify(groups))
}

// WriteRaw replaces the file content atomically.
func (s *Store) WriteRaw(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
