package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reapply/internal/core"
)

func TestCollector_StepFinished(t *testing.T) {
	c := NewCollector(zap.NewNop())

	c.StepFinished("normalize", core.OutcomeComputed, 2*time.Second)
	c.StepFinished("normalize", core.OutcomeHit, time.Millisecond)
	c.StepFinished("normalize", core.OutcomeHit, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("normalize", "computed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("normalize", "hit")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration))
}

func TestCollector_RecordExternal(t *testing.T) {
	c := NewCollector(nil)

	c.RecordExternal("compiled", nil)
	c.RecordExternal("compiled", errors.New("exit 1"))
	c.RecordExternal("compiled", errors.New("exit 1"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.externalCalls.WithLabelValues("compiled", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.externalCalls.WithLabelValues("compiled", "failure")))
}

func TestCollector_RegistriesAreIndependent(t *testing.T) {
	a, b := NewCollector(nil), NewCollector(nil)
	a.RecordExternal("octave", nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.externalCalls.WithLabelValues("octave", "success")))
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := NewCollector(nil)
	c.StepFinished("merge", core.OutcomeAdopted, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "reapply.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `reapply_cache_lookups_total{result="adopted",stage="merge"} 1`), text)
	assert.Contains(t, text, "reapply_stage_duration_seconds_bucket")
}
