package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatcherWakesOnFinishedTranscript(t *testing.T) {
	dir := t.TempDir()
	reader := NewReader(filepath.Join(dir, "sessions.json"), dir, 0)
	w, err := NewWatcher(reader, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(assistantLine("toolUse", "working")+"\n"), 0o644))

	select {
	case <-w.C():
		t.Fatal("woke for an unfinished transcript")
	case <-time.After(200 * time.Millisecond):
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(assistantLine("stop", "done") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up after transcript finished")
	}
}
