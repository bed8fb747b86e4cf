// Package definition loads workflow definitions from YAML, validates them, and
// serves them from a registry with atomic snapshot swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/intraflow/model"
)

// Loader reads definition files. A file may hold several YAML documents whose
// workflows are concatenated. Unknown keys are an error.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll reads every definition file under dirs, recursively, in path order.
// Every unreadable file is reported, not just the first.
func (l *Loader) LoadAll(dirs []string) ([]model.DefinitionFile, error) {
	var paths []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isDefinitionFile(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}
	slices.Sort(paths)

	files := make([]model.DefinitionFile, 0, len(paths))
	var errs []error
	for _, path := range paths {
		f, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return files, nil
}

// LoadFile parses one file and stamps it with its path and content hash.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, err
	}

	f := model.DefinitionFile{SourceFile: path}
	sum := sha256.Sum256(data)
	f.Checksum = hex.EncodeToString(sum[:])

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	for {
		var doc model.DefinitionFile
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
		}
		f.Workflows = append(f.Workflows, doc.Workflows...)
	}
	return f, nil
}

// isDefinitionFile matches *.yaml and *.yml, skipping dotfiles such as editor
// swap and lock files.
func isDefinitionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
