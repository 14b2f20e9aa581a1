package dbc

import (
	"strconv"
	"strings"
)

// keyword describes one annotation keyword.
type keyword struct {
	kind Kind
	mode Mode
}

// keywords maps annotation names (without '@') to their clause kind and mode.
var keywords = map[string]keyword{
	"pre":             {KindPre, ModeNormal},
	"requires":        {KindPre, ModeNormal},
	"debug_pre":       {KindPre, ModeDebug},
	"debug_requires":  {KindPre, ModeDebug},
	"test_pre":        {KindPre, ModeTest},
	"test_requires":   {KindPre, ModeTest},
	"post":            {KindPost, ModeNormal},
	"ensures":         {KindPost, ModeNormal},
	"debug_post":      {KindPost, ModeDebug},
	"debug_ensures":   {KindPost, ModeDebug},
	"test_post":       {KindPost, ModeTest},
	"test_ensures":    {KindPost, ModeTest},
	"invariant":       {KindInvariant, ModeNormal},
	"debug_invariant": {KindInvariant, ModeDebug},
	"test_invariant":  {KindInvariant, ModeTest},
}

// interfaceKeyword marks an interface whose method clauses propagate to
// every implementation.
const interfaceKeyword = "contract_interface"

// Annotation is one parsed directive comment.
type Annotation struct {
	Keyword   string
	Kind      Kind
	Mode      Mode
	Interface bool // @contract_interface
	Conds     []Segment
	Message   string
}

// Segment is a piece of comment text and its byte offset in the comment.
type Segment struct {
	Text   string
	Offset int
}

// parseAnnotation parses a single comment (including its // or /* */
// delimiters). It returns nil, nil when the comment is not an annotation.
// The error, if any, carries the offending byte offset in the comment.
func parseAnnotation(comment string) (*Annotation, *annotationError) {
	body, off := stripComment(comment)
	if !strings.HasPrefix(body, "@") {
		return nil, nil
	}
	end := 1
	for end < len(body) && isWordByte(body[end]) {
		end++
	}
	name := body[1:end]
	if end < len(body) && body[end] != ' ' && body[end] != '\t' {
		return nil, nil // "@pre:" or an e-mail address, not ours
	}
	rest := body[end:]
	restOff := off + end

	if name == interfaceKeyword {
		if strings.TrimSpace(rest) != "" {
			return nil, &annotationError{Offset: restOff, Msg: "@contract_interface takes no arguments"}
		}
		return &Annotation{Keyword: name, Interface: true}, nil
	}
	kw, ok := keywords[name]
	if !ok {
		return nil, nil
	}
	a := &Annotation{Keyword: name, Kind: kw.kind, Mode: kw.mode}

	parts, err := splitTopLevel(rest)
	if err != nil {
		err.Offset += restOff
		return nil, err
	}
	for i := range parts {
		parts[i].Offset += restOff
	}
	// A trailing string literal is the message.
	if n := len(parts); n > 1 && isStringLit(parts[n-1].Text) {
		msg, uerr := strconv.Unquote(parts[n-1].Text)
		if uerr != nil {
			return nil, &annotationError{Offset: parts[n-1].Offset, Msg: "malformed message string"}
		}
		a.Message = msg
		parts = parts[:n-1]
	}
	for _, p := range parts {
		if p.Text == "" {
			return nil, &annotationError{Offset: p.Offset, Msg: "empty condition in @" + name}
		}
	}
	a.Conds = parts
	return a, nil
}

type annotationError struct {
	Offset int
	Msg    string
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// stripComment removes Go comment delimiters and returns the trimmed content
// and its byte offset in s.
func stripComment(s string) (string, int) {
	var body string
	var off int
	switch {
	case strings.HasPrefix(s, "//"):
		body, off = s[2:], 2
	case strings.HasPrefix(s, "/*") && strings.HasSuffix(s, "*/"):
		body, off = s[2:len(s)-2], 2
	default:
		return "", 0
	}
	trimmed := strings.TrimLeft(body, " \t")
	off += len(body) - len(trimmed)
	return strings.TrimRight(trimmed, " \t\r\n"), off
}

// splitTopLevel splits s by top-level commas, respecting nested parens,
// brackets, braces, rune literals and both kinds of string literals. Each
// segment is trimmed; its offset points at its first non-blank byte.
func splitTopLevel(s string) ([]Segment, *annotationError) {
	var result []Segment
	depth := 0
	start := 0
	emit := func(end int) {
		seg := s[start:end]
		trimmed := strings.TrimLeft(seg, " \t")
		result = append(result, Segment{
			Text:   strings.TrimRight(trimmed, " \t"),
			Offset: start + len(seg) - len(trimmed),
		})
	}
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; ch {
		case '"', '\'':
			j := i + 1
			for j < len(s) && s[j] != ch {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, &annotationError{Offset: i, Msg: "unterminated literal"}
			}
			i = j
		case '`':
			j := strings.IndexByte(s[i+1:], '`')
			if j < 0 {
				return nil, &annotationError{Offset: i, Msg: "unterminated raw string"}
			}
			i += j + 1
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, &annotationError{Offset: i, Msg: "unbalanced " + string(ch)}
			}
		case ',':
			if depth == 0 {
				emit(i)
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, &annotationError{Offset: len(s), Msg: "unbalanced brackets"}
	}
	emit(len(s))
	return result, nil
}

func isStringLit(s string) bool {
	if len(s) < 2 {
		return false
	}
	q := s[0]
	return (q == '"' || q == '`') && s[len(s)-1] == q
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// isAnnotationComment reports whether a single comment line is a dbc
// annotation, whether or not it is well formed.
func isAnnotationComment(text string) bool {
	body, _ := stripComment(text)
	if !strings.HasPrefix(body, "@") {
		return false
	}
	end := 1
	for end < len(body) && isWordByte(body[end]) {
		end++
	}
	name := body[1:end]
	_, ok := keywords[name]
	return ok || name == interfaceKeyword
}
