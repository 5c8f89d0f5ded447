// Package metrics collects per-run prometheus metrics and exports them in the
// node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns a private registry so concurrent runs in one process (and
// tests) never share series.
type Recorder struct {
	reg *prometheus.Registry

	tracks        *prometheus.CounterVec
	trackDuration *prometheus.HistogramVec
	artifactBytes *prometheus.GaugeVec
	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New registers the relkit metrics on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		tracks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relkit_tracks_total",
				Help: "Tracks finished, by outcome and error kind.",
			},
			[]string{"track", "status", "kind"},
		),
		trackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relkit_track_duration_seconds",
				Help:    "Wall time of each track.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"track"},
		),
		artifactBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relkit_artifact_size_bytes",
				Help: "Size of the last artifact produced per target.",
			},
			[]string{"target"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relkit_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relkit_last_run_success",
			Help: "1 if the last run succeeded, else 0.",
		}),
	}
	r.reg.MustRegister(r.tracks, r.trackDuration, r.artifactBytes, r.lastRun, r.lastSuccess)
	return r
}

// ObserveTrack records one finished track. kind is empty on success.
func (r *Recorder) ObserveTrack(track, status, kind string, d time.Duration) {
	r.tracks.WithLabelValues(track, status, kind).Inc()
	r.trackDuration.WithLabelValues(track).Observe(d.Seconds())
}

// ObserveArtifact records the size of an assembled archive.
func (r *Recorder) ObserveArtifact(target string, size int64) {
	r.artifactBytes.WithLabelValues(target).Set(float64(size))
}

// RunFinished records the run outcome.
func (r *Recorder) RunFinished(success bool, at time.Time) {
	r.lastRun.Set(float64(at.Unix()))
	if success {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// WriteTextfile atomically writes every metric to path.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
