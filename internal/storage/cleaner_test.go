package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunCleanerPrunesUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	cat, err := NewCatalog(dir, nil)
	require.NoError(t, err)

	old := filepath.Join(dir, "catalog_00000000000000aa.tjc")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cat.RunCleaner(ctx, 24*time.Hour, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop")
	}
}

func TestRunCleanerDisabled(t *testing.T) {
	cat, err := NewCatalog(t.TempDir(), nil)
	require.NoError(t, err)

	// Returns immediately without a retention.
	cat.RunCleaner(context.Background(), 0, time.Millisecond)
}
