package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewLogSink(logger)
	ctx := context.Background()

	require.NoError(t, s.Forward(ctx, &domain.Item{Kind: domain.KindException, OperationID: "op", Message: "boom"}))
	require.NoError(t, s.Forward(ctx, &domain.Item{Kind: domain.KindRequest, OperationID: "op", Success: domain.Bool(false), Duration: 20 * time.Millisecond}))
	require.NoError(t, s.Forward(ctx, &domain.Item{Kind: domain.KindTrace, Severity: domain.Level(domain.SeverityVerbose), Attributes: map[string]string{"index": "7"}}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var records []map[string]any
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		records = append(records, rec)
	}

	assert.Equal(t, "ERROR", records[0]["level"])
	assert.Equal(t, "boom", records[0]["msg"])
	assert.Equal(t, "op", records[0]["operation_id"])

	assert.Equal(t, "WARN", records[1]["level"])
	assert.Equal(t, false, records[1]["success"])

	assert.Equal(t, "DEBUG", records[2]["level"])
	assert.Equal(t, "telemetry", records[2]["msg"])
	assert.Equal(t, map[string]any{"index": "7"}, records[2]["attributes"])
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSink(pub, "telemetry")

	item := &domain.Item{
		ID:          "dep-1",
		Kind:        domain.KindDependency,
		OperationID: "op-1",
		Success:     domain.Bool(false),
		Duration:    5 * time.Millisecond,
	}
	require.NoError(t, s.Forward(context.Background(), item))

	require.Equal(t, []string{"telemetry.dependency"}, pub.subjects)

	var decoded domain.Item
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, domain.KindDependency, decoded.Kind)
	assert.Equal(t, "op-1", decoded.OperationID)
	require.NotNil(t, decoded.Success)
	assert.False(t, *decoded.Success)
	assert.Equal(t, 5*time.Millisecond, decoded.Duration)
}

func TestNATSSinkClosedConnection(t *testing.T) {
	s := NewNATSSink(&fakePublisher{err: nats.ErrConnectionClosed}, "telemetry")
	err := s.Forward(context.Background(), &domain.Item{Kind: domain.KindTrace})
	assert.ErrorIs(t, err, domain.ErrSinkClosed)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestTeeJoinsErrors(t *testing.T) {
	first := errors.New("first")
	var reached bool
	tee := Tee{
		domain.SinkFunc(func(context.Context, *domain.Item) error { return first }),
		domain.SinkFunc(func(context.Context, *domain.Item) error { reached = true; return nil }),
	}

	err := tee.Forward(context.Background(), &domain.Item{})
	assert.ErrorIs(t, err, first)
	assert.True(t, reached, "later sinks still receive the item")
}

func TestCounter(t *testing.T) {
	var forwarded int
	c := &Counter{Next: domain.SinkFunc(func(context.Context, *domain.Item) error { forwarded++; return nil })}
	ctx := context.Background()

	require.NoError(t, c.Forward(ctx, &domain.Item{Kind: domain.KindRequest}))
	require.NoError(t, c.Forward(ctx, &domain.Item{Kind: domain.KindTrace}))
	require.NoError(t, c.Forward(ctx, &domain.Item{Kind: domain.KindTrace}))

	assert.Equal(t, uint64(1), c.Count(domain.KindRequest))
	assert.Equal(t, uint64(2), c.Count(domain.KindTrace))
	assert.Equal(t, uint64(3), c.Total())
	assert.Equal(t, 3, forwarded)
}
