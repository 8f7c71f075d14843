package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// DefaultRole is used when a worker has no role override.
const DefaultRole = "worker"

// Loader manages role templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*RoleMeta
	mu           sync.RWMutex
}

// RoleMeta holds frontmatter metadata for role templates.
type RoleMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RoleData holds template variables for role prompts.
type RoleData struct {
	WorkerID     string
	Branch       string
	BaseBranch   string
	WorktreePath string
	Task         string
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*RoleMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .codi/prompts/
// 2. User config: ~/.config/codi/prompts/
func DefaultLoader(projectRoot string) *Loader {
	var dirs []string
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".codi", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "codi", "prompts"))
	}
	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*RoleMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta RoleMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, body, nil
}

func rolePath(role string) string {
	return path.Join("roles", role+".md")
}

// LoadRole loads and parses the template for role.
func (l *Loader) LoadRole(role string) (*template.Template, *RoleMeta, error) {
	if role == "" {
		role = DefaultRole
	}
	if strings.ContainsAny(role, `/\.`) {
		return nil, nil, fmt.Errorf("invalid role name %q", role)
	}
	name := rolePath(role)

	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load role %s: %w", role, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse role %s: %w", role, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile role %s: %w", role, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// SystemPrompt renders the system prompt for role.
func (l *Loader) SystemPrompt(role string, data RoleData) (string, error) {
	tmpl, _, err := l.LoadRole(role)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute role %s: %w", role, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ListRoles returns metadata for every role, built-in and overridden.
func (l *Loader) ListRoles() ([]*RoleMeta, error) {
	names := make(map[string]bool)

	entries, err := fs.ReadDir(embeddedFS, "roles")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		names[strings.TrimSuffix(e.Name(), ".md")] = true
	}
	for _, dir := range l.overrideDirs {
		entries, err := os.ReadDir(filepath.Join(dir, "roles"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names[strings.TrimSuffix(e.Name(), ".md")] = true
			}
		}
	}

	roles := make([]string, 0, len(names))
	for n := range names {
		roles = append(roles, n)
	}
	sort.Strings(roles)

	var result []*RoleMeta
	for _, role := range roles {
		_, meta, err := l.LoadRole(role)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			meta = &RoleMeta{ID: role, Name: role}
		}
		result = append(result, meta)
	}
	return result, nil
}

// ClearCache clears the template cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*RoleMeta)
	l.mu.Unlock()
}
