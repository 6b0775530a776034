package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct {
	testing.TB
	failed  bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = format
	_ = args
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred ImportPredicate
		path string
		want bool
	}{
		{NonStandardImport, "strings", false},
		{NonStandardImport, "net/http", false},
		{NonStandardImport, "go.uber.org/zap", true},
		{NonStandardImport, "labqc/pkg/domain", true},
		{InternalImport, "labqc/internal/core", true},
		{InternalImport, "labqc/internalx", false},
		{Under("labqc/internal/adapters"), "labqc/internal/adapters/retests", true},
		{Under("labqc/internal/adapters"), "labqc/internal/adaptersx", false},
		{Any(InternalImport, Under("github.com/jackc/pgx/v5")), "github.com/jackc/pgx/v5/stdlib", true},
	}
	for _, tc := range cases {
		if got := tc.pred(tc.path); got != tc.want {
			t.Errorf("predicate(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestAssertNoDirectImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nimport (\n\t\"strings\"\n\t\"labqc/internal/core\"\n)\n\nvar _ = strings.TrimSpace\nvar _ core.Lot\n")
	writeFile(t, dir, "a_test.go", "package a\n\nimport \"labqc/internal/blob\"\n")

	rec := &recorder{TB: t}
	AssertNoDirectImports(rec, dir, InternalImport, "matcher must stay pure")
	if !rec.failed {
		t.Fatalf("expected violation for labqc/internal/core")
	}

	clean := t.TempDir()
	writeFile(t, clean, "b.go", "package b\n\nimport \"strings\"\n\nvar _ = strings.TrimSpace\n")
	rec = &recorder{TB: t}
	AssertNoDirectImports(rec, clean, NonStandardImport, "stdlib only")
	if rec.failed {
		t.Fatalf("unexpected violation")
	}
}

func TestAssertNoTransitiveDependency(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })

	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\nlabqc/pkg/specmatch\nlabqc/internal/core\n"), nil
	}
	rec := &recorder{TB: t}
	AssertNoTransitiveDependency(rec, "./...", InternalImport, "pure")
	if !rec.failed || !strings.Contains(rec.message, "transitive") {
		t.Fatalf("expected transitive violation, got %+v", rec)
	}

	goListDeps = func(string) ([]byte, error) { return []byte("boom"), errors.New("exit 1") }
	rec = &recorder{TB: t}
	AssertNoTransitiveDependency(rec, "./...", InternalImport, "pure")
	if !rec.failed {
		t.Fatalf("expected go list failure to fail the test")
	}
}
