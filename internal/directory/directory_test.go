package directory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewStaticDirectory(t *testing.T) {
	d, err := NewStaticDirectory("testdata/users.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory error: %v", err)
	}
	if d.Len() != 3 {
		t.Errorf("Len() = %d, want 3", d.Len())
	}
	c, ok := d.ByID("u-ana")
	if !ok {
		t.Fatal("ByID(u-ana) not found")
	}
	if c.Name != "Ana Souza" {
		t.Errorf("Name = %q, want %q", c.Name, "Ana Souza")
	}
}

func TestStaticDirectory_ByEmail_caseInsensitive(t *testing.T) {
	d, err := NewStaticDirectory("testdata/users.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory error: %v", err)
	}
	c, ok := d.ByEmail("  carla.dias@example.COM ")
	if !ok {
		t.Fatal("ByEmail did not match mixed-case address")
	}
	if c.ID != "u-carla" {
		t.Errorf("ID = %q, want %q", c.ID, "u-carla")
	}
}

func TestStaticDirectory_Resolve(t *testing.T) {
	d := NewStaticDirectoryFromUsers([]Collaborator{
		{ID: "u-1", Name: "Um", Email: "um@example.com"},
	})
	if c, ok := d.Resolve("um@example.com"); !ok || c.ID != "u-1" {
		t.Errorf("Resolve(email) = (%+v, %v), want u-1", c, ok)
	}
	if c, ok := d.Resolve("u-1"); !ok || c.Email != "um@example.com" {
		t.Errorf("Resolve(id) = (%+v, %v), want um@example.com", c, ok)
	}
	if _, ok := d.Resolve("nobody"); ok {
		t.Error("Resolve(nobody) = true, want false")
	}
}

func TestStaticDirectory_duplicateID(t *testing.T) {
	_, err := NewStaticDirectory("testdata/duplicate.yaml")
	if err == nil {
		t.Fatal("expected error for duplicate user id")
	}
}

func TestStaticDirectory_missingFile(t *testing.T) {
	_, err := NewStaticDirectory("testdata/nope.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStaticDirectory_Sync_reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("users:\n  - id: u-1\n    name: Um\n    email: um@example.com\n")
	d, err := NewStaticDirectory(path)
	if err != nil {
		t.Fatalf("NewStaticDirectory error: %v", err)
	}

	write("users:\n  - id: u-2\n    name: Dois\n    email: dois@example.com\n")
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if _, ok := d.ByID("u-1"); ok {
		t.Error("u-1 still present after reload")
	}
	if _, ok := d.ByID("u-2"); !ok {
		t.Error("u-2 missing after reload")
	}
}

func TestStaticDirectory_All_sorted(t *testing.T) {
	d := NewStaticDirectoryFromUsers([]Collaborator{
		{ID: "b", Name: "Bruno"},
		{ID: "a", Name: "Ana"},
	})
	all := d.All()
	if len(all) != 2 || all[0].Name != "Ana" {
		t.Errorf("All() = %+v, want Ana first", all)
	}
}
