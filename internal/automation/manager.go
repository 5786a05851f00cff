//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrScriptNotFound is returned for a script ID with no file behind it.
var ErrScriptNotFound = errors.New("script not found")

// Script IDs are file stems. A leading underscore is reserved for the API
// (e.g. "_inline").
var scriptIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func validScriptID(id string) bool {
	return scriptIDRe.MatchString(id)
}

// metaPrefix starts the first line of a script file that carries metadata:
// -- {"name": "...", "enabled": true}
const metaPrefix = "-- {"

// Manager stores schedule scripts as .lua files in one directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".lua")
}

// List returns every script in the directory ordered by name. Files that
// fail to parse are logged and skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(m.dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	scripts := make([]*Script, 0, len(paths))
	for _, p := range paths {
		s, err := m.parseFile(p)
		if err != nil {
			m.logger.Warn("skipping malformed script", "file", filepath.Base(p), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.SliceStable(scripts, func(i, j int) bool {
		if scripts[i].Meta.Name != scripts[j].Meta.Name {
			return scripts[i].Meta.Name < scripts[j].Meta.Name
		}
		return scripts[i].ID < scripts[j].ID
	})
	return scripts, nil
}

// Get loads one script.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("invalid script id: %q", id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parseFile(m.path(id))
}

// Save writes s to disk, deriving a unique ID from its name when it has
// none. The file is replaced atomically.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	} else if !validScriptID(s.ID) {
		return nil, fmt.Errorf("invalid script id: %q", s.ID)
	}
	s.FilePath = m.path(s.ID)

	tmp, err := os.CreateTemp(m.dir, "."+s.ID+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(serializeScript(s)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.FilePath); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// freeID returns base, or base_N for the first N with no file yet.
func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Delete removes a script file.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("invalid script id: %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("script %s: %w", id, ErrScriptNotFound)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) parseFile(path string) (*Script, error) {
	id := strings.TrimSuffix(filepath.Base(path), ".lua")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("script %s: %w", id, ErrScriptNotFound)
		}
		return nil, err
	}
	s, err := parseScript(id, string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.FilePath = path
	return s, nil
}

// parseScript splits a script file into its metadata line and Lua code.
// Blank lines between the two are dropped.
func parseScript(id, content string) (*Script, error) {
	s := &Script{ID: id, LuaCode: content}

	first, rest, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(first, metaPrefix) {
		return s, nil
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	for {
		line, after, found := strings.Cut(rest, "\n")
		if !found || strings.TrimSpace(line) != "" {
			break
		}
		rest = after
	}
	s.LuaCode = rest
	return s, nil
}

// serializeScript renders the file form: metadata line, blank line, code.
func serializeScript(s *Script) string {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "_")
	}
	return s
}
