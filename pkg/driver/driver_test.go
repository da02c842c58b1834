package driver

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/quakewatch/seisdl/internal/config"
	"github.com/quakewatch/seisdl/pkg/errs"
)

func TestHandleStageErrorMapsTerminalToExitTerminal(t *testing.T) {
	summary := &Summary{}
	code := handleStageError(log.NewNopLogger(), "events", errs.NewTerminal("no events returned", nil), summary)
	require.Equal(t, errs.ExitTerminal, code)
	require.Equal(t, 1, summary.Errors)
}

func TestHandleStageErrorMapsOtherErrorsToExitInternal(t *testing.T) {
	summary := &Summary{}
	code := handleStageError(log.NewNopLogger(), "channels", errors.New("boom"), summary)
	require.Equal(t, errs.ExitInternal, code)
}

func TestRetryMaskFromConfigCopiesEveryField(t *testing.T) {
	mask := retryMaskFromConfig(config.Retry{
		SegmentNotFound: true,
		URLError:        true,
		MSEEDError:      true,
		ClientError:     true,
		ServerError:     true,
		TimespanError:   true,
		TimespanWarning: true,
	})
	require.True(t, mask.SegmentNotFound)
	require.True(t, mask.URLError)
	require.True(t, mask.MSEEDError)
	require.True(t, mask.ClientError)
	require.True(t, mask.ServerError)
	require.True(t, mask.TimespanError)
	require.True(t, mask.TimespanWarning)
}
