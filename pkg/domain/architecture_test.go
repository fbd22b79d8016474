package domain_test

import (
	"testing"

	"metacore/testutil"
)

// The domain package is shared by every layer, so it stays free of internal
// packages and depends on nothing beyond the error class library.
func TestDomainImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must not depend on internal packages")
	testutil.AssertNoDirectImports(t, ".", testutil.ThirdPartyImportForbidden("github.com/zeebo/errs"), "domain carries no third-party stack")
}
