package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type syncCounter struct {
	zapcore.Core
	syncs int
}

func (c *syncCounter) With(fields []zapcore.Field) zapcore.Core {
	return &syncCounter{Core: c.Core.With(fields)}
}

func (c *syncCounter) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *syncCounter) Sync() error {
	c.syncs++
	return c.Core.Sync()
}

func TestExitCodeFlushesLogs(t *testing.T) {
	obs, logs := observer.New(zapcore.InfoLevel)
	core := &syncCounter{Core: obs}
	log := zap.New(core)

	assert.Equal(t, 1, exitCode(log, errors.New("listen: address in use")))
	assert.Equal(t, 1, core.syncs)
	entries := logs.FilterMessage("server exited").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	}

	assert.Equal(t, 0, exitCode(log, nil))
	assert.Equal(t, 2, core.syncs)
	assert.Equal(t, 1, logs.Len())
}
