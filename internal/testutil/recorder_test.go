package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/cloudsync/internal/engine"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Observe(engine.Observation{Tag: engine.TagPush, Phase: engine.PhaseSubmit})
	r.Observe(engine.Observation{Tag: engine.TagPush, Phase: engine.PhaseRetry})
	r.Observe(engine.Observation{Tag: engine.TagPush, Phase: engine.PhaseSubmit})

	assert.Equal(t, 2, r.Count(engine.TagPush, engine.PhaseSubmit))
	assert.Equal(t, 0, r.Count(engine.TagFetch, engine.PhaseSubmit))
	assert.Len(t, r.Observations(), 3)

	r.Reset()
	assert.Empty(t, r.Observations())
}
