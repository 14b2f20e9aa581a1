package dbc

import (
	"testing"
)

func TestParseAnnotation_Keywords(t *testing.T) {
	tests := []struct {
		input string
		kind  Kind
		mode  Mode
	}{
		{"// @pre x > 0", KindPre, ModeNormal},
		{"// @requires x > 0", KindPre, ModeNormal},
		{"// @debug_pre x > 0", KindPre, ModeDebug},
		{"// @test_requires x > 0", KindPre, ModeTest},
		{"// @post ret > 0", KindPost, ModeNormal},
		{"// @ensures ret > 0", KindPost, ModeNormal},
		{"// @debug_ensures ret > 0", KindPost, ModeDebug},
		{"// @test_post ret > 0", KindPost, ModeTest},
		{"// @invariant self.n >= 0", KindInvariant, ModeNormal},
		{"// @debug_invariant self.n >= 0", KindInvariant, ModeDebug},
		{"// @test_invariant self.n >= 0", KindInvariant, ModeTest},
	}
	for _, tt := range tests {
		a, err := parseAnnotation(tt.input)
		if err != nil || a == nil {
			t.Fatalf("parseAnnotation(%q) = %v, %v", tt.input, a, err)
		}
		if a.Kind != tt.kind || a.Mode != tt.mode {
			t.Errorf("parseAnnotation(%q) = %v/%v, want %v/%v", tt.input, a.Kind, a.Mode, tt.kind, tt.mode)
		}
	}
}

func TestParseAnnotation_ExprAndMessage(t *testing.T) {
	tests := []struct {
		input   string
		conds   []string
		message string
	}{
		{"// @pre len(x) > 0", []string{"len(x) > 0"}, ""},
		{`// @pre age > 0, "age must be positive"`, []string{"age > 0"}, "age must be positive"},
		{`// @pre a > 0, b > 0`, []string{"a > 0", "b > 0"}, ""},
		{`// @pre a > 0, b > 0, "both positive"`, []string{"a > 0", "b > 0"}, "both positive"},
		{"// @pre f(a, b) == g(c, d), `raw msg`", []string{"f(a, b) == g(c, d)"}, "raw msg"},
		{`// @pre s == "a,b"`, []string{`s == "a,b"`}, ""},
		{`// @pre r != ',' , "comma rune"`, []string{`r != ','`}, "comma rune"},
		{`// @post m[k] -> v, "map"`, []string{`m[k] -> v`}, "map"},
	}
	for _, tt := range tests {
		a, err := parseAnnotation(tt.input)
		if err != nil || a == nil {
			t.Fatalf("parseAnnotation(%q) = %v, %v", tt.input, a, err)
		}
		if len(a.Conds) != len(tt.conds) {
			t.Fatalf("parseAnnotation(%q) conds = %v, want %v", tt.input, a.Conds, tt.conds)
		}
		for i, c := range a.Conds {
			if c.Text != tt.conds[i] {
				t.Errorf("cond[%d] = %q, want %q", i, c.Text, tt.conds[i])
			}
			if got := tt.input[c.Offset : c.Offset+len(c.Text)]; got != c.Text {
				t.Errorf("offset of %q points at %q", c.Text, got)
			}
		}
		if a.Message != tt.message {
			t.Errorf("Message = %q, want %q", a.Message, tt.message)
		}
	}
}

func TestParseAnnotation_SingleStringIsCondition(t *testing.T) {
	// A lone string literal is not a message; it fails later as a non-bool.
	a, err := parseAnnotation(`// @pre "x"`)
	if err != nil || a == nil {
		t.Fatalf("parseAnnotation = %v, %v", a, err)
	}
	if len(a.Conds) != 1 || a.Message != "" {
		t.Errorf("got conds %v message %q", a.Conds, a.Message)
	}
}

func TestParseAnnotation_BlockComment(t *testing.T) {
	a, err := parseAnnotation("/* @pre x != nil */")
	if err != nil || a == nil {
		t.Fatalf("parseAnnotation = %v, %v", a, err)
	}
	if a.Conds[0].Text != "x != nil" {
		t.Errorf("cond = %q", a.Conds[0].Text)
	}
}

func TestParseAnnotation_ContractInterface(t *testing.T) {
	a, err := parseAnnotation("// @contract_interface")
	if err != nil || a == nil || !a.Interface {
		t.Fatalf("parseAnnotation = %+v, %v", a, err)
	}
	if _, err := parseAnnotation("// @contract_interface x"); err == nil {
		t.Error("expected error for arguments")
	}
}

func TestParseAnnotation_NotAnAnnotation(t *testing.T) {
	for _, input := range []string{
		"// regular comment",
		"// @deprecated use Foo",
		"// @pre: not ours",
		"// mail user@pre.example",
		"x := 1",
		"//go:noinline",
	} {
		a, err := parseAnnotation(input)
		if a != nil || err != nil {
			t.Errorf("parseAnnotation(%q) = %+v, %v, want nil, nil", input, a, err)
		}
	}
}

func TestParseAnnotation_Malformed(t *testing.T) {
	for _, input := range []string{
		"// @pre",
		"// @pre   ",
		"// @pre a > 0,",
		"// @pre , a > 0",
		`// @pre s == "open`,
		"// @pre f(a",
		"// @pre a)",
	} {
		a, err := parseAnnotation(input)
		if err == nil {
			t.Errorf("parseAnnotation(%q) = %+v, want error", input, a)
		}
	}
}

func TestSplitTopLevel(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a, b", []string{"a", "b"}},
		{"f(a, b), c", []string{"f(a, b)", "c"}},
		{"m[k], []int{1, 2}", []string{"m[k]", "[]int{1, 2}"}},
		{`"a, b", c`, []string{`"a, b"`, "c"}},
		{"`x,y`", []string{"`x,y`"}},
		{"single", []string{"single"}},
	}
	for _, tt := range tests {
		got, err := splitTopLevel(tt.input)
		if err != nil {
			t.Fatalf("splitTopLevel(%q): %v", tt.input, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("splitTopLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
		for i := range got {
			if got[i].Text != tt.want[i] {
				t.Errorf("splitTopLevel(%q)[%d] = %q, want %q", tt.input, i, got[i].Text, tt.want[i])
			}
		}
	}
}

func TestIsAnnotationComment(t *testing.T) {
	if !isAnnotationComment("// @pre x") || !isAnnotationComment("// @contract_interface") {
		t.Error("expected annotation")
	}
	if isAnnotationComment("// @todo x") || isAnnotationComment("// pre x") {
		t.Error("unexpected annotation")
	}
}

func TestKindAndModeString(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{KindPre.String(), "precondition"},
		{KindPost.String(), "postcondition"},
		{KindInvariant.String(), "invariant"},
		{Kind(99).String(), "unknown"},
		{ModeNormal.String(), "normal"},
		{ModeTest.String(), "test"},
		{Mode(99).String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
