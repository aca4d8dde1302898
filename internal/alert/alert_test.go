package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, Alert) error { return errors.New("pager down") }

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Emit(context.Background(), Alert{Kind: KindSafetyBreach, Tag: "summarize", VersionID: 3, Message: "rolled back"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"kind":"safety_breach"`)
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"component":"alert"`)
}

func TestMultiAttemptsAllSinks(t *testing.T) {
	rec := &Recorder{}
	m := Multi{failingSink{}, rec}

	err := m.Emit(context.Background(), Alert{Kind: KindTuningFailed, Tag: "summarize"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pager down"))

	got := rec.Alerts()
	require.Len(t, got, 1)
	assert.Equal(t, KindTuningFailed, got[0].Kind)
}

func TestRecorderCopies(t *testing.T) {
	rec := &Recorder{}
	rec.Emit(context.Background(), Alert{Tag: "a"})
	got := rec.Alerts()
	got[0].Tag = "mutated"
	assert.Equal(t, "a", rec.Alerts()[0].Tag)
}

func TestRedisStreamSink(t *testing.T) {
	url := os.Getenv("ROUTER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ROUTER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	stream := "router:alerts:test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, stream)

	sink := NewRedisStreamSink(client, stream, 100)
	require.NoError(t, sink.Emit(ctx, Alert{Kind: KindTuningFailed, Tag: "summarize", Message: "3 attempts", At: time.Now()}))

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tuning_failed", msgs[0].Values["kind"])
	assert.Equal(t, "summarize", msgs[0].Values["tag"])
}
