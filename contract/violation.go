// Package contract is the runtime half of dbc. Shadow files generated by the
// dbc engine import it to report contract violations.
//
// A violated clause is described by a Violation. Depending on the policy the
// engine resolved at build time, generated code calls Abort (report, then
// panic) or Log (report only). Reports go to the process-wide Reporter, which
// defaults to slog.
//
//	defer contract.Recover(&err)
//	r := geom.NewRange(5, 3) // panics with *contract.Violation
package contract

import (
	"fmt"
	"strings"
)

// Kind is the kind of clause that was violated.
type Kind int

const (
	Precondition Kind = iota
	Postcondition
	Invariant
)

var kindNames = map[Kind]string{
	Precondition:  "Pre-condition",
	Postcondition: "Post-condition",
	Invariant:     "Invariant",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Site tells whether a check ran before or after the body.
// Invariants are checked at both sites.
type Site int

const (
	Entry Site = iota
	Exit
)

func (s Site) String() string {
	if s == Exit {
		return "exit"
	}
	return "entry"
}

// Violation describes a single failed clause.
type Violation struct {
	Kind    Kind
	Site    Site
	Func    string // owning definition, e.g. "Range.Merge" or "NewRange"
	Expr    string // literal source text of the clause
	Message string // optional user message
	Pos     string // file:line of the annotation
}

// Error renders the violation the way it is reported on abort:
//
//	Pre-condition of NewRange violated: min < max at range.go:12
//	Invariant (as post-condition) of Counter.Inc violated: must stay even: c.n%2 == 0
func (v *Violation) Error() string {
	var b strings.Builder
	b.WriteString(v.Kind.String())
	if v.Kind == Invariant {
		if v.Site == Entry {
			b.WriteString(" (as pre-condition)")
		} else {
			b.WriteString(" (as post-condition)")
		}
	}
	fmt.Fprintf(&b, " of %s violated: ", v.Func)
	if v.Message != "" {
		b.WriteString(v.Message)
		b.WriteString(": ")
	}
	b.WriteString(v.Expr)
	if v.Pos != "" {
		b.WriteString(" at ")
		b.WriteString(v.Pos)
	}
	return b.String()
}
