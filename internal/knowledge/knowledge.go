// Package knowledge stores the markdown memories the pipeline retrieves and
// authors: skills, knowledge notes, user preferences and per-site notes.
package knowledge

import (
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

	"github.com/iambrandonn/pepper/internal/fsutil"
)

// Category is the kind of memory
type Category string

const (
	CategorySkill      Category = "skill"
	CategoryKnowledge  Category = "knowledge"
	CategoryPreference Category = "preference"
	CategorySite       Category = "site"
)

// Categories lists every category in inventory order
var Categories = []Category{CategorySkill, CategoryKnowledge, CategoryPreference, CategorySite}

var categoryDirs = map[Category]string{
	CategorySkill:      "skills",
	CategoryKnowledge:  "knowledge",
	CategoryPreference: "preferences",
	CategorySite:       "sites",
}

// Dir returns the directory name holding memories of category c
func (c Category) Dir() (string, bool) {
	dir, ok := categoryDirs[c]
	return dir, ok
}

// CategoryFromDir maps a directory name back to its category
func CategoryFromDir(dir string) (Category, bool) {
	for c, d := range categoryDirs {
		if d == dir {
			return c, true
		}
	}
	return "", false
}

// skillFile is the document inside each skill directory
const skillFile = "SKILL.md"

const (
	NotFound   = "(not found)"
	Unreadable = "(unreadable)"
)

// Entry is one memory in the inventory
type Entry struct {
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Path        string   `json:"path"`
}

// Ref names a memory
type Ref struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// Content is a memory together with its text. Content holds NotFound or
// Unreadable when the memory cannot be loaded.
type Content struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Content  string   `json:"content"`
	Path     string   `json:"path,omitempty"`
}

// Store reads and writes memories under a root directory. The inventory is
// cached until a write or a filesystem change invalidates it.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	cache []Entry
}

// NewStore creates a store rooted at root
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{root: root, logger: logger}
}

// Root returns the memory root directory
func (s *Store) Root() string {
	return s.root
}

// Invalidate drops the cached inventory
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

// Inventory lists every memory across all categories
func (s *Store) Inventory() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		inv := []Entry{}
		for _, c := range Categories {
			inv = append(inv, s.scan(c)...)
		}
		s.cache = inv
	}
	return append([]Entry(nil), s.cache...)
}

func (s *Store) scan(c Category) []Entry {
	sub, _ := c.Dir()
	dir := filepath.Join(s.root, sub)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to scan memory category", "category", c, "error", err)
		}
		return nil
	}

	var out []Entry
	for _, e := range entries {
		switch {
		case e.IsDir():
			path := filepath.Join(dir, e.Name(), skillFile)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			out = append(out, Entry{Name: e.Name(), Category: c, Description: describe(path), Path: path})
		case strings.HasSuffix(e.Name(), ".md"):
			path := filepath.Join(dir, e.Name())
			out = append(out, Entry{Name: strings.TrimSuffix(e.Name(), ".md"), Category: c, Description: describe(path), Path: path})
		}
	}
	return out
}

var (
	frontmatterDescription = regexp.MustCompile(`(?m)^---[\s\S]*?description:[ \t]*(.+)`)
	firstHeading           = regexp.MustCompile(`(?m)^#[ \t]+(.+)`)
)

// describe summarises a memory file: frontmatter description, then the
// first heading, then the first non-empty line.
func describe(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return Unreadable
	}
	return Describe(string(data))
}

// Describe summarises memory text the same way the inventory does
func Describe(content string) string {
	if m := frontmatterDescription.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := firstHeading.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if r := []rune(line); len(r) > 100 {
				line = string(r[:100])
			}
			return line
		}
	}
	return "(no description)"
}

// Contents loads the text of each referenced memory, in order
func (s *Store) Contents(refs []Ref) []Content {
	inv := s.Inventory()

	out := make([]Content, 0, len(refs))
	for _, ref := range refs {
		item := Content{Name: ref.Name, Category: ref.Category, Content: NotFound}
		for _, e := range inv {
			if e.Name != ref.Name || e.Category != ref.Category {
				continue
			}
			item.Path = e.Path
			if data, err := os.ReadFile(e.Path); err == nil {
				item.Content = string(data)
			} else {
				item.Content = Unreadable
				item.Path = ""
			}
			break
		}
		out = append(out, item)
	}
	return out
}

// Write stores a memory and returns its path. Skills are written as
// <name>/SKILL.md, everything else as <name>.md. Names that are not a
// single safe path segment are slugged.
func (s *Store) Write(name string, c Category, content string) (string, error) {
	sub, ok := c.Dir()
	if !ok {
		return "", fmt.Errorf("unknown memory category: %q", c)
	}
	name = safeName(name)
	if name == "" {
		return "", fmt.Errorf("memory name is empty")
	}

	var path string
	if c == CategorySkill {
		path = filepath.Join(s.root, sub, name, skillFile)
	} else {
		path = filepath.Join(s.root, sub, name+".md")
	}

	if err := fsutil.AtomicWrite(path, []byte(content)); err != nil {
		return "", fmt.Errorf("failed to write memory %s/%s: %w", c, name, err)
	}
	s.Invalidate()
	s.logger.Info("memory written", "name", name, "category", c, "bytes", len(content))
	return path, nil
}

// Append adds content to an existing memory, separated by a blank line.
// A missing file is created.
func (s *Store) Append(path, content string) error {
	path, err := s.confine(path)
	if err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read memory: %w", err)
	}

	if err := fsutil.AtomicWrite(path, []byte(string(existing)+"\n\n"+content)); err != nil {
		return fmt.Errorf("failed to append memory: %w", err)
	}
	s.Invalidate()
	return nil
}

// Replace overwrites an existing memory by path
func (s *Store) Replace(path, content string) error {
	path, err := s.confine(path)
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(path, []byte(content)); err != nil {
		return fmt.Errorf("failed to replace memory: %w", err)
	}
	s.Invalidate()
	return nil
}

// confine resolves path, which may be absolute or relative to the root,
// and rejects anything outside the memory root.
func (s *Store) confine(path string) (string, error) {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(s.root, path)
		if err != nil {
			return "", fmt.Errorf("memory path %q is outside the memory root", path)
		}
		rel = r
	}
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return "", fmt.Errorf("failed to create memory root: %w", err)
	}
	resolved, err := fsutil.ResolveWithin(s.root, rel)
	if err != nil {
		return "", fmt.Errorf("invalid memory path: %w", err)
	}
	return resolved, nil
}

// SiteContext returns every site memory whose name appears in prompt
func (s *Store) SiteContext(prompt string) []Content {
	sub, _ := CategorySite.Dir()
	dir := filepath.Join(s.root, sub)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	lower := strings.ToLower(prompt)
	var out []Content
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		if !strings.Contains(lower, strings.ToLower(name)) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		out = append(out, Content{Name: name, Category: CategorySite, Content: string(data), Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses every run of other characters into a
// single hyphen.
func Slug(s string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func safeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return Slug(name)
	}
	return name
}
