// Package promreport counts contract violations in Prometheus.
//
//	contract.SetReporter(promreport.New(prometheus.DefaultRegisterer, nil))
package promreport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/imnive-design/dbc/contract"
)

// Reporter increments dbc_contract_violations_total for every violation and
// forwards it to the next reporter.
type Reporter struct {
	violations *prometheus.CounterVec
	next       contract.Reporter
}

// New registers the violation counter with reg. next receives every violation
// after it is counted; nil means the default slog reporter.
func New(reg prometheus.Registerer, next contract.Reporter) *Reporter {
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbc_contract_violations_total",
		Help: "Contract violations observed at run time, by clause kind and definition.",
	}, []string{"kind", "func"})
	if reg != nil {
		reg.MustRegister(violations)
	}
	if next == nil {
		next = contract.NewSlogReporter(nil)
	}
	return &Reporter{violations: violations, next: next}
}

func (r *Reporter) Report(v contract.Violation) {
	r.violations.WithLabelValues(v.Kind.String(), v.Func).Inc()
	r.next.Report(v)
}
