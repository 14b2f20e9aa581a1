//go:build !dbc_release

package contract

// Debug gates debug-only clauses. Build with -tags dbc_release to compile
// them out.
const Debug = true
