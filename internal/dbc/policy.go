package dbc

// Gate decides when a generated check runs.
type Gate int

const (
	GateAlways Gate = iota
	GateDebug       // contract.Debug, i.e. not built with -tags dbc_release
	GateTest        // contract.UnderTest()
	GateNever
)

var gateNames = map[Gate]string{
	GateAlways: "always",
	GateDebug:  "debug",
	GateTest:   "test",
	GateNever:  "never",
}

func (g Gate) String() string {
	if s, ok := gateNames[g]; ok {
		return s
	}
	return "unknown"
}

// Report decides what a failing check does.
type Report int

const (
	ReportAbort Report = iota // contract.Abort: report, then panic
	ReportLog                 // contract.Log: report and continue
)

// Action is the resolved behaviour of a clause.
type Action struct {
	Gate   Gate
	Report Report
}

// Active reports whether the action generates any code.
func (a Action) Active() bool { return a.Gate != GateNever }

// String returns the policy name of a.
func (a Action) String() string {
	if a.Gate == GateNever {
		return "no-op"
	}
	if a.Report == ReportLog {
		switch a.Gate {
		case GateDebug:
			return "debug-only-log"
		case GateTest:
			return "test-only-log"
		}
		return "log-only"
	}
	switch a.Gate {
	case GateDebug:
		return "debug-only-abort"
	case GateTest:
		return "active-only-under-test"
	}
	return "abort-with-message"
}

// Policy maps each declared Mode to an Action. It is computed once per run
// and never changes afterwards.
type Policy struct {
	actions map[Mode]Action
}

// NewPolicy resolves the configuration switches:
//
//   - Disable turns every mode into a no-op.
//   - OverrideDebug gates normal clauses on contract.Debug. It takes
//     precedence over OverrideLog: normal and debug clauses keep aborting.
//   - OverrideLog turns aborts into logs, gates unchanged.
//
// Clauses explicitly declared debug or test keep their gate, and test
// clauses keep aborting under every override.
func NewPolicy(cfg Config) Policy {
	actions := map[Mode]Action{
		ModeNormal:   {Gate: GateAlways},
		ModeDebug:    {Gate: GateDebug},
		ModeTest:     {Gate: GateTest},
		ModeDisabled: {Gate: GateNever},
	}
	for m, a := range actions {
		switch {
		case cfg.Disable:
			a.Gate = GateNever
		case m == ModeTest || m == ModeDisabled:
		case cfg.OverrideDebug:
			if m == ModeNormal {
				a.Gate = GateDebug
			}
		case cfg.OverrideLog:
			a.Report = ReportLog
		}
		actions[m] = a
	}
	return Policy{actions: actions}
}

// DefaultPolicy is the policy with every switch off.
func DefaultPolicy() Policy { return NewPolicy(Config{}) }

// Resolve returns the action for a declared mode. The zero Policy behaves
// like DefaultPolicy.
func (p Policy) Resolve(m Mode) Action {
	if p.actions == nil {
		return DefaultPolicy().Resolve(m)
	}
	if a, ok := p.actions[m]; ok {
		return a
	}
	return Action{Gate: GateNever}
}
