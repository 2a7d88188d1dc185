package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/agentoven/newswire/internal/audit"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []models.AuditEvent
	err    error
	closed bool
}

func (c *captureSink) Publish(_ context.Context, ev models.AuditEvent) error {
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureSink) Close() error {
	c.closed = true
	return nil
}

var (
	_ contracts.AuditSink = (*captureSink)(nil)
	_ contracts.AuditSink = (*audit.KafkaSink)(nil)
)

func TestRecordFillsDefaultsAndFansOut(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStoreAt("")
	defer s.Close()
	sink := &captureSink{}
	m := telemetry.NewMetrics()
	r := audit.NewRecorder(s, sink, m)

	r.Record(ctx, models.AuditEvent{Actor: "scheduler", Action: "delivery.failed", Resource: "subscription", ResourceID: "sub-1"})

	events, err := s.ListAuditEvents(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, models.SeverityInfo, events[0].Severity)

	require.Len(t, sink.events, 1)
	assert.Equal(t, events[0].ID, sink.events[0].ID)

	n, err := testutil.GatherAndCount(m.Registry(), "newswire_audit_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}

func TestRecordSurvivesSinkFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStoreAt("")
	defer s.Close()
	r := audit.NewRecorder(s, &captureSink{err: errors.New("broker down")}, nil)

	r.Record(ctx, models.AuditEvent{Action: "intake.rate_limited", Resource: "thread"})

	n, _ := s.CountAuditEvents(ctx, models.AuditFilter{})
	assert.EqualValues(t, 1, n)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *audit.Recorder
	r.Record(context.Background(), models.AuditEvent{Action: "x"})
	assert.NoError(t, r.Close())
}

func TestKafkaSinkNeedsBrokers(t *testing.T) {
	_, err := audit.NewKafkaSink(nil, "newswire.audit")
	assert.Error(t, err)
}
