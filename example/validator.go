package example

import (
	"fmt"
	"strings"
)

// Validator checks a configuration value. The contract holds for every
// implementation in this package.
//
// @contract_interface
type Validator interface {
	// @post ret == (self.Problem() == ""), "IsValid must agree with Problem"
	IsValid() bool
	Problem() string
}

// Email is an address of the form local@domain.
type Email string

func (e Email) IsValid() bool {
	local, domain, ok := strings.Cut(string(e), "@")
	return ok && local != "" && domain != ""
}

func (e Email) Problem() string {
	if !strings.Contains(string(e), "@") {
		return fmt.Sprintf("%q has no @", string(e))
	}
	local, domain, _ := strings.Cut(string(e), "@")
	if local == "" || domain == "" {
		return fmt.Sprintf("%q is missing a local part or domain", string(e))
	}
	return ""
}

// Port is a TCP port number.
type Port struct {
	N int
}

func (p *Port) IsValid() bool {
	return p.N > 0 && p.N < 1<<16
}

func (p *Port) Problem() string {
	if p.N <= 0 || p.N >= 1<<16 {
		return fmt.Sprintf("port %d out of range", p.N)
	}
	return ""
}

// Invalid returns the problems of every invalid value.
func Invalid(vs ...Validator) []string {
	var out []string
	for _, v := range vs {
		if !v.IsValid() {
			out = append(out, v.Problem())
		}
	}
	return out
}
