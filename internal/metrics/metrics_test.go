package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTrack(t *testing.T) {
	r := New()
	r.ObserveTrack("generic", "ok", "", 3*time.Second)
	r.ObserveTrack("win32", "failed", "NetworkError", time.Second)
	r.ObserveTrack("win32", "failed", "NetworkError", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.tracks.WithLabelValues("generic", "ok", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.tracks.WithLabelValues("win32", "failed", "NetworkError")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.trackDuration))
}

func TestRunFinished(t *testing.T) {
	r := New()
	at := time.Unix(1700000000, 0)
	r.RunFinished(false, at)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastSuccess))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastRun))
	r.RunFinished(true, at)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lastSuccess))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveArtifact("win64", 2048)
	r.ObserveTrack("win64", "ok", "", time.Minute)

	p := filepath.Join(t.TempDir(), "relkit.prom")
	require.NoError(t, r.WriteTextfile(p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `relkit_artifact_size_bytes{target="win64"} 2048`)
	assert.Contains(t, string(data), "relkit_track_duration_seconds_count")
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveTrack("test", "ok", "", time.Second)
	assert.Equal(t, 0, testutil.CollectAndCount(b.tracks))
}
