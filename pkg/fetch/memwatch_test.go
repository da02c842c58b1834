package fetch

import (
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/seisdl/pkg/errs"
)

func TestPressureReportsUnderThreshold(t *testing.T) {
	w := &Watchdog{threshold: 0.9, sample: func() (float64, error) { return 0.5, nil }}
	fraction, under, err := w.Pressure()
	require.NoError(t, err)
	assert.Equal(t, 0.5, fraction)
	assert.False(t, under)
}

func TestPressureReportsOverThreshold(t *testing.T) {
	w := &Watchdog{threshold: 0.9, sample: func() (float64, error) { return 0.95, nil }}
	_, under, err := w.Pressure()
	require.NoError(t, err)
	assert.True(t, under)
}

func TestCheckPressureReturnsNilUnderThreshold(t *testing.T) {
	w := &Watchdog{logger: log.NewNopLogger(), threshold: 0.9, sample: func() (float64, error) { return 0.1, nil }}
	assert.NoError(t, w.CheckPressure())
}

func TestCheckPressureReturnsTerminalMemoryPressureOverThreshold(t *testing.T) {
	w := &Watchdog{logger: log.NewNopLogger(), threshold: 0.9, sample: func() (float64, error) { return 0.95, nil }}
	err := w.CheckPressure()
	require.Error(t, err)
	assert.True(t, errs.IsTerminal(err))

	var mp *errs.MemoryPressure
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, 0.95, mp.Fraction)
	assert.Equal(t, 0.9, mp.Threshold)
}

func TestCheckPressureIgnoresSampleErrors(t *testing.T) {
	w := &Watchdog{logger: log.NewNopLogger(), threshold: 0.9, sample: func() (float64, error) {
		return 0, errors.New("no meminfo")
	}}
	assert.NoError(t, w.CheckPressure())
}
