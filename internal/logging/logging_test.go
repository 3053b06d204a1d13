package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupDefaultsToInfoAndTextFormatter(t *testing.T) {
	logger := Setup(Options{})
	require.Equal(t, log.InfoLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*log.TextFormatter)
	require.True(t, ok)
}

func TestSetupParsesLevel(t *testing.T) {
	logger := Setup(Options{Level: "debug"})
	require.Equal(t, log.DebugLevel, logger.GetLevel())
}

func TestSetupFallsBackToInfoOnBadLevel(t *testing.T) {
	logger := Setup(Options{Level: "not-a-level"})
	require.Equal(t, log.InfoLevel, logger.GetLevel())
}

func TestSetupSelectsJSONFormatter(t *testing.T) {
	logger := Setup(Options{JSON: true})
	_, ok := logger.Formatter.(*log.JSONFormatter)
	require.True(t, ok)
}
