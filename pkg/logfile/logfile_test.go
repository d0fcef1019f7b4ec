package logfile

import (
	"io/ioutil"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookWritesEntries(t *testing.T) {
	fs = afero.NewMemMapFs()

	hook, err := NewHook("/data/rommsync.log")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	logger.AddHook(hook)
	logger.WithField("collection", "Favorites").Info("Sync complete")

	contents, err := afero.ReadFile(fs, "/data/rommsync.log")
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Sync complete")
	assert.Contains(t, string(contents), "collection=Favorites")
}

func TestHookAppendsAcrossOpens(t *testing.T) {
	fs = afero.NewMemMapFs()

	for _, msg := range []string{"first", "second"} {
		hook, err := NewHook("/data/rommsync.log")
		require.NoError(t, err)

		logger := logrus.New()
		logger.SetOutput(ioutil.Discard)
		logger.AddHook(hook)
		logger.Info(msg)
	}

	contents, err := afero.ReadFile(fs, "/data/rommsync.log")
	require.NoError(t, err)
	assert.Contains(t, string(contents), "first")
	assert.Contains(t, string(contents), "second")
}

func TestHookTruncatesOversizedFile(t *testing.T) {
	fs = afero.NewMemMapFs()

	oversized := strings.Repeat("x", maxSize+1)
	require.NoError(t, afero.WriteFile(fs, "/data/rommsync.log", []byte(oversized), 0644))

	hook, err := NewHook("/data/rommsync.log")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	logger.AddHook(hook)
	logger.Info("fresh start")

	contents, err := afero.ReadFile(fs, "/data/rommsync.log")
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "xxx")
	assert.Contains(t, string(contents), "fresh start")
}
