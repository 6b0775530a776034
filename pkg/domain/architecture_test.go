package domain

import (
	"testing"

	"labqc/testutil"
)

func TestDomainImportsStandardLibraryOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.NonStandardImport, "domain types are shared by every adapter")
}
