package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("window reduced", "topic", "DEFAULT__DECOM__{INST}__HEALTH_STATUS")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"window reduced"`)
	require.Contains(t, out, `"topic":"DEFAULT__DECOM__{INST}__HEALTH_STATUS"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, config.LoggingConfig{Level: "chatty"})
	require.Error(t, err)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, config.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)

	var cl cron.Logger = CronLogger{L: l}
	cl.Info("wake", "now", 1)
	cl.Error(errors.New("boom"), "panic", "job", "minute")

	out := buf.String()
	require.Contains(t, out, "cron: wake")
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "err=boom")
	require.Contains(t, out, "job=minute")
}
