package specmatch

import (
	"testing"

	"labqc/testutil"
)

func TestMatcherImportsStandardLibraryOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.NonStandardImport, "matching must not depend on storage or transport")
}

func TestMatcherHasNoInternalDependencies(t *testing.T) {
	if testing.Short() {
		t.Skip("go list in short mode")
	}
	testutil.AssertNoTransitiveDependency(t, "labqc/pkg/specmatch", testutil.InternalImport, "pkg/specmatch is importable outside the module")
}
