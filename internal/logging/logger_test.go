package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDevelopment(t *testing.T) {
	logger, err := New(Options{Level: "debug", Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.log")
	logger, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logger.Sync())
	require.FileExists(t, path)
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(Options{Level: "shouty"})
	require.Error(t, err)
}
