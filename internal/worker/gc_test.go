package worker

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq/pkg/logging"
)

func touchFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestResultFileServer_SweepStaleWritingRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	srv := NewResultFileServer(dir, logging.New(io.Discard, "test"))

	stale := filepath.Join(dir, "czar1-1-1.writing")
	fresh := filepath.Join(dir, "czar1-1-2.writing")
	touchFile(t, stale, 2*time.Hour)
	touchFile(t, fresh, time.Second)

	srv.SweepStaleWriting(time.Hour)

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale writing file should have been reaped")
	_, err = os.Stat(fresh)
	require.NoError(t, err, "fresh writing file should survive the sweep")
}

func TestResultFileServer_SweepExpiredReadyRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	srv := NewResultFileServer(dir, logging.New(io.Discard, "test"))

	stale := filepath.Join(dir, "czar1-1-1.result")
	fresh := filepath.Join(dir, "czar1-1-2.result")
	touchFile(t, stale, 48*time.Hour)
	touchFile(t, fresh, time.Second)

	srv.SweepExpiredReady(24 * time.Hour)

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "expired ready file should have been reaped")
	_, err = os.Stat(fresh)
	require.NoError(t, err, "fresh ready file should survive the sweep")
}

func TestGarbageCollector_SweepToleratesMissingDir(t *testing.T) {
	srv := NewResultFileServer(filepath.Join(t.TempDir(), "does-not-exist"), logging.New(io.Discard, "test"))
	gc := NewGarbageCollector(srv, logging.New(io.Discard, "test"), time.Minute, time.Hour, 24*time.Hour)
	require.NotPanics(t, func() { gc.sweep() })
}

func TestGarbageCollector_DefaultsAppliedForNonPositiveDurations(t *testing.T) {
	srv := NewResultFileServer(t.TempDir(), logging.New(io.Discard, "test"))
	gc := NewGarbageCollector(srv, logging.New(io.Discard, "test"), 0, 0, 0)
	require.Equal(t, time.Minute, gc.sweepInterval)
	require.Equal(t, time.Hour, gc.writingMaxAge)
	require.Equal(t, 24*time.Hour, gc.readyMaxAge)
}
