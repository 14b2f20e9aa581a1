package dbc

import (
	"fmt"
	"go/token"
)

// ParseError reports a malformed annotation or clause. It is fatal to the run.
type ParseError struct {
	Pos   token.Position
	Token string // offending token, if any
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: %s (at %q)", e.Pos, e.Msg, e.Token)
	}
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// PropagationError reports an interface implementation that cannot carry the
// interface's contract. It is fatal to the run.
type PropagationError struct {
	Pos       token.Position
	Impl      string // implementing type, e.g. "*Linear"
	Interface string // e.g. "geom.Interpolator"
	Method    string
	Reason    string
}

func (e *PropagationError) Error() string {
	if e.Impl == "" {
		return fmt.Sprintf("%s: contract of %s cannot propagate: %s", e.Pos, e.Interface, e.Reason)
	}
	return fmt.Sprintf("%s: %s cannot carry the contract of %s.%s: %s",
		e.Pos, e.Impl, e.Interface, e.Method, e.Reason)
}

// offsetPos returns the position off bytes after base on the same line.
func offsetPos(base token.Position, off int) token.Position {
	p := base
	p.Offset += off
	if p.Column > 0 {
		p.Column += off
	}
	return p
}
