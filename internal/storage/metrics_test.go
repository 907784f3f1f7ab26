package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveFrameCounterSave(t *testing.T) {
	assert := require.New(t)

	saves := counterValue(t, frameCounterSaveCounter("test"))
	failures := counterValue(t, frameCounterSaveErrorCounter("test"))

	assert.NoError(observeFrameCounterSave("test", func() error { return nil }))
	assert.Equal(saves+1, counterValue(t, frameCounterSaveCounter("test")))

	err := errors.New("disk full")
	assert.Equal(err, observeFrameCounterSave("test", func() error { return err }))
	assert.Equal(saves+1, counterValue(t, frameCounterSaveCounter("test")))
	assert.Equal(failures+1, counterValue(t, frameCounterSaveErrorCounter("test")))
}
