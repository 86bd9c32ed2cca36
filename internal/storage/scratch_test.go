package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewScratchDir(t *testing.T) {
	base := t.TempDir()
	sd, err := NewScratchDir(base)
	if err != nil {
		t.Fatalf("NewScratchDir() error: %v", err)
	}
	defer func() {
		if err := sd.Remove(); err != nil {
			t.Errorf("Remove() error: %v", err)
		}
	}()

	if filepath.Dir(sd.Path()) != base {
		t.Errorf("Path() = %q, want under %q", sd.Path(), base)
	}
	if !strings.HasPrefix(filepath.Base(sd.Path()), "sumirror-") {
		t.Errorf("directory name = %q", filepath.Base(sd.Path()))
	}
	if fi, err := os.Stat(sd.Catalogs()); err != nil || !fi.IsDir() {
		t.Errorf("catalogs directory missing: %v", err)
	}
}

func TestNewScratchDirBadBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(base, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewScratchDir(base); err == nil {
		t.Error("NewScratchDir() under a regular file should fail")
	}
}

func TestScratchDir_Remove(t *testing.T) {
	sd, err := NewScratchDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sd.Catalogs(), "index.sucatalog"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := sd.Remove(); err != nil {
		t.Errorf("Remove() error: %v", err)
	}
	if _, err := os.Stat(sd.Path()); !os.IsNotExist(err) {
		t.Error("directory still exists after Remove()")
	}
	if err := sd.Remove(); err != nil {
		t.Errorf("second Remove() error: %v", err)
	}

	var zero ScratchDir
	if err := zero.Remove(); err != nil {
		t.Errorf("Remove() on zero value error: %v", err)
	}
}

func TestScratchDir_Age(t *testing.T) {
	sd, err := NewScratchDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sd.Remove() }()

	time.Sleep(50 * time.Millisecond)
	if age := sd.Age(); age < 50*time.Millisecond || age > 5*time.Second {
		t.Errorf("Age() = %v", age)
	}
}
