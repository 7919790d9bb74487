package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitDevelopmentLevel(t *testing.T) {
	require.NoError(t, InitDevelopment("warn"))
	defer Sync()
	assert.NotNil(t, Log())
	assert.False(t, Log().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Log().Core().Enabled(zapcore.WarnLevel))
	assert.NotNil(t, Named("transform"))
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, InitProduction("loud"))
}
