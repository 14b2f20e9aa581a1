package contract

import "testing"

// UnderTest gates test-only clauses. It reports whether the running binary
// was built by go test.
func UnderTest() bool {
	return testing.Testing()
}
