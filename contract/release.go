//go:build dbc_release

package contract

const Debug = false
