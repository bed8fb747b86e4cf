package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinition(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	f, err := NewLoader().LoadFile("testdata/workflows/compras.yaml")
	require.NoError(t, err)

	require.Len(t, f.Workflows, 1)
	w := f.Workflows[0]
	assert.Equal(t, "Compra de material", w.Name)
	assert.Equal(t, "compras@example.com", w.OwnerEmail)
	assert.True(t, w.Fields[0].Required)
	require.Len(t, w.Statuses, 3)
	require.NotNil(t, w.Statuses[1].Action)
	assert.Equal(t, "approval", w.Statuses[1].Action.Type)
	assert.Equal(t, []string{"u-ana"}, w.Statuses[1].Action.ApproverIDs)
	require.Len(t, w.RoutingRules, 1)
	assert.Len(t, w.RoutingRules[0].Notify, 2)
	assert.Equal(t, 5, w.DefaultSLADays)
	require.Len(t, w.SLARules, 1)
	assert.Equal(t, 1, w.SLARules[0].Days)

	assert.Len(t, f.Checksum, 64)
	assert.Equal(t, "testdata/workflows/compras.yaml", f.SourceFile)
}

func TestLoader_LoadFile_multipleDocuments(t *testing.T) {
	path := writeDefinition(t, t.TempDir(), "rh.yaml", `workflows:
  - id: wf-ferias
    name: Férias
---
workflows:
  - id: wf-reembolso
    name: Reembolso
`)

	f, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	require.Len(t, f.Workflows, 2)
	assert.Equal(t, "Reembolso", f.Workflows[1].Name)
}

func TestLoader_LoadFile_errors(t *testing.T) {
	dir := t.TempDir()
	misspelt := writeDefinition(t, dir, "typo.yaml", "workflows:\n  - id: wf-x\n    name: X\n    aprover_ids: [u-ana]\n")

	tests := map[string]struct {
		path string
		want string
	}{
		"missing file":  {path: "testdata/nonexistent.yaml", want: "nonexistent.yaml"},
		"invalid yaml":  {path: "testdata/invalid/bad.yaml", want: "bad.yaml"},
		"unknown field": {path: misspelt, want: "aprover_ids"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoader_LoadAll(t *testing.T) {
	files, err := NewLoader().LoadAll([]string{"testdata/workflows"})
	require.NoError(t, err)

	require.Len(t, files, 2, ".yaml and .yml")
	assert.Equal(t, "testdata/workflows/compras.yaml", files[0].SourceFile, "path order")
	assert.Equal(t, "testdata/workflows/ferias.yml", files[1].SourceFile)
}

func TestLoader_LoadAll_skipsNonDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "ferias.yaml", feriasYAML)
	writeDefinition(t, dir, ".ferias.yaml.swp", "not yaml: [")
	writeDefinition(t, dir, ".#ferias.yaml", "not yaml: [")
	writeDefinition(t, dir, "README.md", "# definitions")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "rh"), 0o700))
	writeDefinition(t, filepath.Join(dir, "rh"), "reembolso.YML", "workflows:\n  - id: wf-r\n    name: Reembolso\n")

	files, err := NewLoader().LoadAll([]string{dir})
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLoader_LoadAll_reportsEveryBadFile(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "workflows: [")
	writeDefinition(t, dir, "b.yaml", feriasYAML)
	writeDefinition(t, dir, "c.yaml", "workflows:\n  - nome: X\n")

	files, err := NewLoader().LoadAll([]string{dir})
	assert.Nil(t, files)
	assert.ErrorContains(t, err, "a.yaml")
	assert.ErrorContains(t, err, "c.yaml")
}

func TestLoader_LoadAll_missingDirectory(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/does-not-exist"})
	assert.ErrorContains(t, err, "does-not-exist")
}

func TestIsDefinitionFile(t *testing.T) {
	for path, want := range map[string]bool{
		"defs/ferias.yaml":     true,
		"defs/ferias.YML":      true,
		"defs/.ferias.yaml":    false,
		"defs/ferias.yaml~":    false,
		"defs/ferias.json":     false,
		"defs/.#ferias.yaml":   false,
		"defs/ferias.yaml.swp": false,
	} {
		assert.Equal(t, want, isDefinitionFile(path), path)
	}
}
