package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAuditLogger_RecordAndQuery(t *testing.T) {
	al := NewAuditLogger(zap.NewNop())

	al.Record(EventRuleCreate, "create", "rule created").
		Resource("rule-1", "rule").
		Detail("priority", 10).
		Snapshot(map[string]string{"name": "Rice blast"}).
		Commit()
	al.Record(EventRuleRetire, "retire", "rule retired").
		Resource("rule-1", "rule").
		Commit()
	al.Record(EventBroadcast, "broadcast", "broadcast queued").
		Resource("n-1", "notification").
		Failed(errors.New("no recipients")).
		Commit()

	require.Eventually(t, func() bool {
		return len(al.QueryEvents(AuditQuery{})) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, al.Close())

	ruleEvents := al.QueryEvents(AuditQuery{ResourceType: "rule"})
	require.Len(t, ruleEvents, 2)
	assert.Equal(t, EventRuleRetire, ruleEvents[0].Type, "newest first")
	assert.NotEmpty(t, ruleEvents[1].DataHash)
	assert.NotEmpty(t, ruleEvents[1].Checksum)

	limited := al.QueryEvents(AuditQuery{Limit: 1})
	assert.Len(t, limited, 1)

	summary := al.Summarize(AuditQuery{})
	assert.Equal(t, 3, summary.TotalEvents)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, 1, summary.EventsByType[EventRuleCreate])
}

func TestAuditLogger_HandlersAndClose(t *testing.T) {
	al := NewAuditLogger(zap.NewNop())
	seen := make(chan string, 1)
	al.RegisterHandler(EventTrigger, func(e *AuditEvent) { seen <- e.Correlation })

	al.Record(EventTrigger, "trigger", "trigger processed").Correlation("evt-7").Commit()
	select {
	case id := <-seen:
		assert.Equal(t, "evt-7", id)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, al.Close())
	require.NoError(t, al.Close())
	al.Record(EventTrigger, "trigger", "after close").Commit()
}

func TestAuditEventBuilder_ActorFromContext(t *testing.T) {
	al := NewAuditLogger(zap.NewNop())
	defer al.Close()

	ctx := WithActor(context.Background(), "agronomist-2", "192.0.2.10")
	al.Record(EventTemplateCreate, "create", "template created").ActorFrom(ctx).Commit()
	al.Record(EventTemplateDelete, "delete", "template deleted").ActorFrom(context.Background()).Commit()

	require.Eventually(t, func() bool {
		return len(al.QueryEvents(AuditQuery{})) == 2
	}, time.Second, 5*time.Millisecond)

	events := al.QueryEvents(AuditQuery{})
	assert.Empty(t, events[0].ActorID)
	assert.Empty(t, events[0].ActorIP)
	assert.Equal(t, "agronomist-2", events[1].ActorID)
	assert.Equal(t, "192.0.2.10", events[1].ActorIP)
}

func TestAuditLogger_PruneDropsEventsPastRetention(t *testing.T) {
	al := NewAuditLogger(zap.NewNop())
	defer al.Close()

	now := time.Now().UTC()
	al.mu.Lock()
	al.events = []*AuditEvent{
		{ID: "old", Timestamp: now.Add(-8 * 24 * time.Hour)},
		{ID: "recent", Timestamp: now.Add(-time.Hour)},
		{ID: "edge", Timestamp: now.Add(-al.retention)},
	}
	al.mu.Unlock()

	assert.Equal(t, 1, al.prune(now))
	assert.Equal(t, 0, al.prune(now))

	events := al.QueryEvents(AuditQuery{})
	require.Len(t, events, 2)
	assert.Equal(t, "edge", events[0].ID)
	assert.Equal(t, "recent", events[1].ID)
}
