package storage

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/clean-dependency-project/sumirror/internal/catalog"
)

// newTestDB creates an in-memory SQLite database for testing
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := InitDB(Config{
		DatabasePath: ":memory:",
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	return db
}

// createTestProduct creates a Product with default test values
func createTestProduct(id string, current, original []string) *Product {
	return &Product{
		ID:          id,
		Title:       "Example Update",
		Version:     "1.2",
		Description: "<p>Fixes.</p>",
		Size:        123,
		PostDate:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		PkgRefs: map[string]catalog.PackageRef{
			"com.example.pkg.A": {Name: "com.example.pkg.A", Version: "1.2", RestartAction: "RequireRestart"},
		},
		AppleCatalogs:         current,
		OriginalAppleCatalogs: original,
	}
}

// TestInitDB tests database initialization
func TestInitDB(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
	}{
		{name: "silent", logLevel: "silent"},
		{name: "error", logLevel: "error"},
		{name: "warn", logLevel: "warn"},
		{name: "info", logLevel: "info"},
		{name: "unknown log level defaults to silent", logLevel: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := InitDB(Config{DatabasePath: ":memory:", LogLevel: tt.logLevel})
			if err != nil {
				t.Fatalf("InitDB() error = %v", err)
			}
			if err := db.Close(); err != nil {
				t.Errorf("failed to close database: %v", err)
			}
		})
	}
}

func TestSaveAndLoadProducts(t *testing.T) {
	db := newTestDB(t)

	index := map[string]*Product{
		"041-11111": createTestProduct("041-11111", []string{"http://h/a.sucatalog"}, []string{"http://h/a.sucatalog"}),
		"041-22222": createTestProduct("", nil, []string{"http://h/old.sucatalog"}),
	}
	if err := db.SaveProducts(index); err != nil {
		t.Fatalf("SaveProducts() error = %v", err)
	}

	loaded, err := db.LoadProducts()
	if err != nil {
		t.Fatalf("LoadProducts() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadProducts() = %d products, want 2", len(loaded))
	}

	got := loaded["041-11111"]
	if got.Title != "Example Update" || got.Size != 123 {
		t.Errorf("product = %+v", got)
	}
	if !got.PostDate.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("PostDate = %v", got.PostDate)
	}
	if !reflect.DeepEqual(got.PkgRefs, index["041-11111"].PkgRefs) {
		t.Errorf("PkgRefs = %+v", got.PkgRefs)
	}
	if !reflect.DeepEqual(got.AppleCatalogs, []string{"http://h/a.sucatalog"}) {
		t.Errorf("AppleCatalogs = %v", got.AppleCatalogs)
	}
	if loaded["041-22222"].ID != "041-22222" {
		t.Error("map key not used as missing id")
	}
}

func TestSaveProductsUpserts(t *testing.T) {
	db := newTestDB(t)

	p := createTestProduct("041-11111", []string{"http://h/a.sucatalog"}, []string{"http://h/a.sucatalog"})
	if err := db.SaveProducts(map[string]*Product{p.ID: p}); err != nil {
		t.Fatal(err)
	}

	p.Title = "Renamed"
	p.AppleCatalogs = nil
	if err := db.SaveProducts(map[string]*Product{p.ID: p}); err != nil {
		t.Fatalf("second SaveProducts() error = %v", err)
	}

	got, err := db.GetProduct(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renamed" {
		t.Errorf("Title = %q, want upserted value", got.Title)
	}
	if len(got.AppleCatalogs) != 0 {
		t.Errorf("AppleCatalogs = %v, want empty", got.AppleCatalogs)
	}

	all, err := db.ListProducts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListProducts() = %d rows, want 1", len(all))
	}
}

func TestSaveProductsRejectsNil(t *testing.T) {
	db := newTestDB(t)
	err := db.SaveProducts(map[string]*Product{"x": nil})
	if !errors.Is(err, ErrNilProduct) {
		t.Errorf("SaveProducts() error = %v, want ErrNilProduct", err)
	}
}

func TestGetProduct(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.GetProduct(""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("GetProduct(\"\") error = %v", err)
	}
	if _, err := db.GetProduct("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProduct(missing) error = %v", err)
	}
}

func TestListDeprecated(t *testing.T) {
	db := newTestDB(t)

	index := map[string]*Product{
		"b-current":    createTestProduct("b-current", []string{"c1"}, []string{"c1"}),
		"a-deprecated": createTestProduct("a-deprecated", nil, []string{"c1"}),
		"c-never":      createTestProduct("c-never", nil, nil),
	}
	if err := db.SaveProducts(index); err != nil {
		t.Fatal(err)
	}

	deprecated, err := db.ListDeprecated()
	if err != nil {
		t.Fatal(err)
	}
	if len(deprecated) != 1 || deprecated[0].ID != "a-deprecated" {
		t.Errorf("ListDeprecated() = %v", deprecated)
	}

	all, err := db.ListProducts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a-deprecated" || all[2].ID != "c-never" {
		t.Errorf("ListProducts() not ordered by id: %v", all)
	}
}

func TestETags(t *testing.T) {
	db := newTestDB(t)

	empty, err := db.LoadETags()
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("LoadETags() on empty db = %v", empty)
	}

	if err := db.SaveETags(map[string]string{"http://h/a": `"1"`, "http://h/b": `"2"`}); err != nil {
		t.Fatalf("SaveETags() error = %v", err)
	}
	if err := db.SaveETags(map[string]string{"http://h/a": `"3"`}); err != nil {
		t.Fatalf("SaveETags() update error = %v", err)
	}

	got, err := db.LoadETags()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"http://h/a": `"3"`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadETags() = %v, want %v", got, want)
	}

	if err := db.SaveETags(map[string]string{}); err != nil {
		t.Fatalf("SaveETags(empty) error = %v", err)
	}
	if got, err := db.LoadETags(); err != nil || len(got) != 0 {
		t.Errorf("LoadETags() after clearing = %v, %v", got, err)
	}
}

func TestDownloadStatus(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveDownloadStatus([]string{"b", "a", "b", ""}); err != nil {
		t.Fatalf("SaveDownloadStatus() error = %v", err)
	}
	got, err := db.LoadDownloadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("LoadDownloadStatus() = %v", got)
	}

	// a later save replaces the list
	if err := db.SaveDownloadStatus([]string{"c"}); err != nil {
		t.Fatal(err)
	}
	got, err = db.LoadDownloadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("LoadDownloadStatus() after replace = %v", got)
	}

	if err := db.SaveDownloadStatus(nil); err != nil {
		t.Fatal(err)
	}
	got, err = db.LoadDownloadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("LoadDownloadStatus() after clear = %v", got)
	}
}

func TestExportProductsJSON(t *testing.T) {
	db := newTestDB(t)

	index := map[string]*Product{
		"current":    createTestProduct("current", []string{"c1"}, []string{"c1"}),
		"deprecated": createTestProduct("deprecated", nil, []string{"c1"}),
	}
	if err := db.SaveProducts(index); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		deprecatedOnly bool
		want           int
	}{
		{name: "all", want: 2},
		{name: "deprecated only", deprecatedOnly: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := db.ExportProductsJSON(tt.deprecatedOnly)
			if err != nil {
				t.Fatalf("ExportProductsJSON() error = %v", err)
			}
			var products []Product
			if err := json.Unmarshal(data, &products); err != nil {
				t.Fatalf("ExportProductsJSON() produced invalid JSON: %v", err)
			}
			if len(products) != tt.want {
				t.Errorf("got %d products, want %d", len(products), tt.want)
			}
		})
	}
}
