package definition

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sync/atomic"

	"github.com/pitabwire/intraflow/model"
)

// snapshot is one immutable generation of the definition set.
type snapshot struct {
	ordered      []model.WorkflowDefinition
	byName       map[string]int
	byID         map[string]int
	fingerprints map[string]string
	checksum     string
}

func buildSnapshot(files []model.DefinitionFile) *snapshot {
	byName := make(map[string]model.WorkflowDefinition)
	sums := make([]string, 0, len(files))
	for _, f := range files {
		sums = append(sums, f.Checksum)
		for _, w := range f.Workflows {
			byName[w.Name] = w
		}
	}

	s := &snapshot{
		byName:       make(map[string]int, len(byName)),
		byID:         make(map[string]int, len(byName)),
		fingerprints: make(map[string]string, len(byName)),
	}
	for _, w := range byName {
		s.ordered = append(s.ordered, w)
	}
	slices.SortFunc(s.ordered, func(a, b model.WorkflowDefinition) int { return cmp.Compare(a.Name, b.Name) })
	for i, w := range s.ordered {
		s.byName[w.Name] = i
		if w.ID != "" {
			s.byID[w.ID] = i
		}
		s.fingerprints[w.Name] = fingerprint(w)
	}

	slices.Sort(sums)
	h := sha256.New()
	for _, sum := range sums {
		h.Write([]byte(sum))
		h.Write([]byte{':'})
	}
	s.checksum = hex.EncodeToString(h.Sum(nil))
	return s
}

func fingerprint(w model.WorkflowDefinition) string {
	raw, _ := json.Marshal(w)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Changes lists the definition names a Replace added, removed or altered.
type Changes struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether the replace left every definition as it was.
func (c Changes) Empty() bool {
	return len(c.Added)+len(c.Removed)+len(c.Updated) == 0
}

func diff(prev, next *snapshot) Changes {
	var c Changes
	for _, w := range next.ordered {
		old, ok := prev.fingerprints[w.Name]
		switch {
		case !ok:
			c.Added = append(c.Added, w.Name)
		case old != next.fingerprints[w.Name]:
			c.Updated = append(c.Updated, w.Name)
		}
	}
	for _, w := range prev.ordered {
		if _, ok := next.byName[w.Name]; !ok {
			c.Removed = append(c.Removed, w.Name)
		}
	}
	return c
}

// Registry serves the current definition set. Readers never block; Replace
// publishes a whole new snapshot at once. Requests reference definitions by
// name, so on a duplicate name the later file wins.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry returns a Registry holding files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.snap.Store(buildSnapshot(files))
	return r
}

// Replace publishes files as the new definition set and reports what changed.
func (r *Registry) Replace(files []model.DefinitionFile) Changes {
	next := buildSnapshot(files)
	prev := r.snap.Swap(next)
	return diff(prev, next)
}

// GetByName returns the definition a request of that type follows.
func (r *Registry) GetByName(name string) (model.WorkflowDefinition, bool) {
	s := r.snap.Load()
	i, ok := s.byName[name]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	return s.ordered[i], true
}

// GetByID looks a definition up by its administrative id.
func (r *Registry) GetByID(id string) (model.WorkflowDefinition, bool) {
	s := r.snap.Load()
	i, ok := s.byID[id]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	return s.ordered[i], true
}

// All returns the definitions ordered by name.
func (r *Registry) All() []model.WorkflowDefinition {
	return slices.Clone(r.snap.Load().ordered)
}

// Len is the number of distinct definition names.
func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}

// Checksum identifies the loaded file set; it changes whenever any file does.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}
