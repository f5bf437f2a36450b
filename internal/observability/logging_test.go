package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilemmalab/arena/internal/config"
)

func TestNewLoggerBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: format})
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Info("logger built")
			// Sync on stderr returns EINVAL on Linux; not asserted.
			_ = logger.Sync()
		})
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(0), "info must be suppressed at error level")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "verbose", Format: "json"})
	assert.Error(t, err)
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
