package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_SignalsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ticketd.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))

	w, err := New(cfgPath, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"poll_interval": 10}`), 0644))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after config write")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ticketd.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))

	w, err := New(cfgPath, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case <-changes:
		t.Fatal("unexpected signal for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ticketd.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))

	w, err := New(cfgPath, 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	changes, err := w.Start()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after write burst")
	}

	// The burst should have collapsed into a single queued signal.
	select {
	case <-changes:
		// One extra is tolerable if a write landed after the first fire.
	case <-time.After(300 * time.Millisecond):
	}
	select {
	case <-changes:
		t.Fatal("debounce failed: more than two signals for one burst")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_StopIsClean(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ticketd.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}"), 0644))

	w, err := New(cfgPath, 0)
	require.NoError(t, err)
	_, err = w.Start()
	require.NoError(t, err)
	require.NoError(t, w.Stop())
}
