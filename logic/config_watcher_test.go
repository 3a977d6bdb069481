package logic

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "OID.json")
	require.NoError(t, os.WriteFile(path, []byte(oidDoc), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	var changes atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchConfig(ctx, path, 10*time.Millisecond, func() { changes.Add(1) })
	}()

	// The file as found at start is not a change.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, changes.Load())

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	require.Eventually(t, func() bool { return changes.Load() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
