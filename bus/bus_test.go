package bus

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledPublisherDropsWithOneWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := Disabled(WithLogger(logger))
	ctx := context.Background()

	require.NoError(t, p.PublishAutoReply(ctx, "int-1", "octocat", "hello"))
	require.NoError(t, p.PublishExecutionFinished(ctx, "ex-1", "wf-1", "completed"))
	p.Close()

	assert.Equal(t, 1, strings.Count(buf.String(), "Bus disabled"), "warn once, not per message")
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	assert.NoError(t, p.PublishAutoReply(context.Background(), "int-1", "octocat", "hello"))
	p.Close()
}

func TestConnectBadURL(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}
