package passage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "passages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("passages:\n  - \"one two three\"\n  - \"\"\n  - four five\n"), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Contains(t, []string{"one two three", "four five"}, s.Next())

	require.NoError(t, os.WriteFile(path, []byte("passages: []\n"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

type fakeSource struct {
	mu    sync.Mutex
	texts []string
	err   error
	calls int
}

func (f *fakeSource) Fetch(_ context.Context, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.texts[:min(n, len(f.texts))], nil
}

type constant string

func (c constant) Next() string { return string(c) }

func TestPoolServesFetchedThenFallsBack(t *testing.T) {
	src := &fakeSource{texts: []string{"from db"}}
	p := NewPool(src, constant("fallback"), 4, zap.NewNop())

	assert.Equal(t, "fallback", p.Next(), "empty pool must not block")

	p.refill(context.Background())
	assert.Equal(t, "from db", p.Next())
	assert.Equal(t, "fallback", p.Next())
}

func TestPoolRefillErrorKeepsServing(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	p := NewPool(src, constant("fallback"), 4, zap.NewNop())
	p.refill(context.Background())
	assert.Equal(t, "fallback", p.Next())
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{texts: []string{"a", "b"}}
	p := NewPool(src, constant("fallback"), 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(p.buf) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
