// Package directory resolves portal users (collaborators) by id or email.
package directory

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Collaborator is a known portal user.
type Collaborator struct {
	ID    string   `yaml:"id"    json:"id"`
	Name  string   `yaml:"name"  json:"name"`
	Email string   `yaml:"email" json:"email"`
	Roles []string `yaml:"roles" json:"roles,omitempty"`
}

// Directory looks up collaborators.
type Directory interface {
	// ByID returns the collaborator with the given id.
	ByID(id string) (Collaborator, bool)
	// ByEmail returns the collaborator with the given email, ignoring case.
	ByEmail(email string) (Collaborator, bool)
	// Resolve accepts either an id or an email address.
	Resolve(ref string) (Collaborator, bool)
}

type directoryFile struct {
	Users []Collaborator `yaml:"users"`
}

type index struct {
	byID    map[string]Collaborator
	byEmail map[string]Collaborator
}

func buildIndex(users []Collaborator) index {
	idx := index{
		byID:    make(map[string]Collaborator, len(users)),
		byEmail: make(map[string]Collaborator, len(users)),
	}
	for _, u := range users {
		idx.byID[u.ID] = u
		if u.Email != "" {
			idx.byEmail[normalizeEmail(u.Email)] = u
		}
	}
	return idx
}

// StaticDirectory serves collaborators from a YAML file. Sync reloads it.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	idx  index
}

// NewStaticDirectory loads the collaborator list from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromUsers builds a directory from an in-memory list.
func NewStaticDirectoryFromUsers(users []Collaborator) *StaticDirectory {
	return &StaticDirectory{idx: buildIndex(users)}
}

// ByID implements Directory.
func (d *StaticDirectory) ByID(id string) (Collaborator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.idx.byID[id]
	return c, ok
}

// ByEmail implements Directory.
func (d *StaticDirectory) ByEmail(email string) (Collaborator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.idx.byEmail[normalizeEmail(email)]
	return c, ok
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(ref string) (Collaborator, bool) {
	if strings.Contains(ref, "@") {
		return d.ByEmail(ref)
	}
	return d.ByID(ref)
}

// All returns every collaborator sorted by name.
func (d *StaticDirectory) All() []Collaborator {
	d.mu.RLock()
	out := make([]Collaborator, 0, len(d.idx.byID))
	for _, c := range d.idx.byID {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of collaborators.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.idx.byID)
}

// Path returns the backing file, or "" for in-memory directories.
func (d *StaticDirectory) Path() string {
	return d.path
}

// Sync reloads the directory file from disk. Duplicate ids are rejected.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}

	seen := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("directory: %s: users[%d] has no id", d.path, i)
		}
		if seen[u.ID] {
			return fmt.Errorf("directory: %s: duplicate user id %q", d.path, u.ID)
		}
		seen[u.ID] = true
	}

	idx := buildIndex(f.Users)
	d.mu.Lock()
	d.idx = idx
	d.mu.Unlock()
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
