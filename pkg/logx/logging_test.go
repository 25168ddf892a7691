package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Named("publish").With(Int64("item", 42))
	log.Warn("send failed", Err(errors.New("boom")), String("surface", "primary"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "publish", m["comp"])
	require.EqualValues(t, 42, m["item"])
	require.Equal(t, "boom", m["err"])
	require.Equal(t, "primary", m["surface"])
	require.True(t, strings.HasPrefix(m["caller"].(string), "logging_test.go:"))
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	require.True(t, l.IsZero())
	l.Error("ignored")
	require.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"publish failed","item":7,"comp":"publish"}`)
	got := formatTelegramLine(line)
	require.Equal(t, "[WARN] publish failed\n- comp=publish\n- item=7", got)

	require.Equal(t, "not json", formatTelegramLine([]byte("  not json \n")))
}
