package checkpoint

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the checkpoint collectors.
type Metrics struct {
	Operations    *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	ArtifactBytes prometheus.Counter
}

// NewMetrics registers the checkpoint collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ckpt_checkpoint_operations_total",
			Help: "Checkpoint store calls by operation and result",
		}, []string{"operation", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ckpt_checkpoint_duration_seconds",
			Help:    "Latency of checkpoint store calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
		ArtifactBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "ckpt_checkpoint_artifact_bytes_total",
			Help: "Raw artifact bytes handed to successful saves",
		}),
	}
}

type instrumented struct {
	next Store
	m    *Metrics
}

// Instrumented wraps next and records call counts and latencies in m.
func Instrumented(next Store, m *Metrics) Store {
	return &instrumented{next: next, m: m}
}

func (i *instrumented) observe(op string, start time.Time, result string) {
	i.m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	i.m.Operations.WithLabelValues(op, result).Inc()
}

func (i *instrumented) Save(ctx context.Context, operationID string, p Payload) error {
	start := time.Now()
	err := i.next.Save(ctx, operationID, p)
	i.observe("save", start, result(err))
	if err == nil {
		i.m.ArtifactBytes.Add(float64(artifactBytes(p.Artifacts)))
	}
	return err
}

func (i *instrumented) Load(ctx context.Context, operationID string) (*Checkpoint, bool, error) {
	start := time.Now()
	cp, ok, err := i.next.Load(ctx, operationID)
	res := result(err)
	if err == nil && !ok {
		res = "miss"
	}
	i.observe("load", start, res)
	return cp, ok, err
}

func (i *instrumented) Delete(ctx context.Context, operationID string) error {
	start := time.Now()
	err := i.next.Delete(ctx, operationID)
	i.observe("delete", start, result(err))
	return err
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
