// Package dbc implements the dbc instrumentation engine.
//
// Contracts are written as comment directives on declarations:
//
//	// @pre min < max, "empty range"
//	func NewRange(min, max int) Range
//
//	// @post ret.Min == min(r.Min, other.Min)
//	// @post len(r.Tags) >= len(old(r.Tags))
//	func (r Range) Merge(other Range) Range
//
//	// @invariant self.Range.Contains(self.Value)
//	type RangedInt struct{ ... }
//
//	// @contract_interface
//	type Validator interface {
//		// @post ret -> self.Name() != ""
//		IsValid() bool
//	}
//
// The engine parses every clause, weaves checks into a copy of each annotated
// file and writes an overlay for `go build -overlay`.
package dbc

import (
	"go/token"
)

// ---------------------------------------------------------------------------
// Kind
// ---------------------------------------------------------------------------

// Kind is the kind of a clause. It decides where the clause is evaluated.
type Kind int

const (
	KindPre       Kind = iota // before the body
	KindPost                  // after the body, ret and old() in scope
	KindInvariant             // before and after the body
)

var kindNames = map[Kind]string{
	KindPre:       "precondition",
	KindPost:      "postcondition",
	KindInvariant: "invariant",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// runtimeKind is the name of the matching contract.Kind constant.
func (k Kind) runtimeKind() string {
	switch k {
	case KindPost:
		return "Postcondition"
	case KindInvariant:
		return "Invariant"
	default:
		return "Precondition"
	}
}

// ---------------------------------------------------------------------------
// Mode
// ---------------------------------------------------------------------------

// Mode is the checking mode a clause was declared with.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDebug
	ModeTest
	ModeDisabled
)

var modeNames = map[Mode]string{
	ModeNormal:   "normal",
	ModeDebug:    "debug",
	ModeTest:     "test",
	ModeDisabled: "disabled",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Clause
// ---------------------------------------------------------------------------

// Clause is one contract obligation. It is immutable once parsed and may be
// shared by several definitions (type invariants, interface clauses).
type Clause struct {
	Kind    Kind
	Mode    Mode
	Action  Action // Mode resolved against the run's Policy
	Expr    Expr
	Text    string // literal source text of the condition
	Message string
	Pos     token.Position
	Origin  string // declaration carrying the annotation, e.g. "Range" or "Validator.IsValid"
}

// Check is a clause as applied to one definition. Renames maps identifiers
// of the clause to the names they have in the checked definition; a rename
// may be a qualified "pkg.Name". Imports lists the paths the checked file
// must import for the renames to resolve.
type Check struct {
	*Clause
	Renames map[string]string
	Imports []string
}

// ClauseSet is every check attached to one definition, grouped by origin.
// Entry and Exit flatten it into evaluation order.
type ClauseSet struct {
	Func        string // "Range.Merge", "NewRange"
	Constructor bool   // produces the owning type instead of receiving it

	TypeInvariants []Check // declared on the receiver (or constructed) type
	Invariants     []Check // declared on the definition itself
	Pre            []Check
	Post           []Check
}

// Entry returns the checks evaluated before the body: type invariants
// (skipped for constructors), definition invariants, then preconditions.
func (s *ClauseSet) Entry() []Check {
	var out []Check
	if !s.Constructor {
		out = append(out, s.TypeInvariants...)
	}
	out = append(out, s.Invariants...)
	return append(out, s.Pre...)
}

// Exit returns the checks evaluated after the body: postconditions, then
// definition invariants, then type invariants.
func (s *ClauseSet) Exit() []Check {
	var out []Check
	out = append(out, s.Post...)
	out = append(out, s.Invariants...)
	return append(out, s.TypeInvariants...)
}

// Empty reports whether no clause applies to the definition.
func (s *ClauseSet) Empty() bool {
	return len(s.TypeInvariants) == 0 && len(s.Invariants) == 0 &&
		len(s.Pre) == 0 && len(s.Post) == 0
}
