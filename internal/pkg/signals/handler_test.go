package signals

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetupHandler_CancelsContextOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := SetupHandler(ctx, cancel)
	defer cleanup()

	// Send SIGTERM to ourselves
	proc, err := os.FindProcess(os.Getpid())
	assert.NoError(t, err)

	err = proc.Signal(syscall.SIGTERM)
	assert.NoError(t, err)

	// Context should be cancelled within a short time
	select {
	case <-ctx.Done():
		// Success - context was cancelled
	case <-time.After(1 * time.Second):
		t.Fatal("Context was not cancelled after signal")
	}
}

func TestSetupHandler_CleansUpOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cleanup := SetupHandler(ctx, cancel)

	// Cancel context immediately
	cancel()

	// Give handler time to clean up
	time.Sleep(100 * time.Millisecond)

	// Cleanup should not panic
	cleanup()
}
