package coredumper

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Notes            *prometheus.CounterVec
	SkippedNotes     *prometheus.CounterVec
	ThreadsRecovered prometheus.Counter
	InitErrors       *prometheus.CounterVec
	Identifiers      *prometheus.CounterVec
}

// NewMetrics builds the dumper metrics and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Notes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corescope_core_notes_total",
			Help: "Total number of notes read from core files",
		}, []string{"type"}),
		SkippedNotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corescope_core_notes_skipped_total",
			Help: "Total number of notes that could not be decoded",
		}, []string{"type"}),
		ThreadsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corescope_core_threads_recovered_total",
			Help: "Total number of threads recovered from NT_PRSTATUS notes",
		}),
		InitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corescope_core_init_errors_total",
			Help: "Total number of failed dumper initializations",
		}, []string{"error"}),
		Identifiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corescope_fileid_identifiers_total",
			Help: "Total number of module identifiers computed, by method",
		}, []string{"method"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Notes,
			m.SkippedNotes,
			m.ThreadsRecovered,
			m.InitErrors,
			m.Identifiers,
		)
	}

	return m
}
