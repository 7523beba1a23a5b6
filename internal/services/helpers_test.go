package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/delivery"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubSender accepts every message unless failing is set
type stubSender struct {
	channel models.Channel
	failing bool
	confirm bool

	mu   sync.Mutex
	sent []delivery.Message
}

func (s *stubSender) Channel() models.Channel { return s.channel }

func (s *stubSender) Send(_ context.Context, msg delivery.Message) (delivery.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.failing {
		return delivery.Receipt{}, errors.New("gateway unavailable")
	}
	return delivery.Receipt{MessageID: "msg-" + msg.LogID.String(), Confirmed: s.confirm}, nil
}

func (s *stubSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testConfig() *config.Config {
	return &config.Config{
		Rules: config.RulesConfig{
			EvaluationWorkers: 4,
			TriggerBatchSize:  100,
			Timezone:          "UTC",
		},
		Delivery: config.DeliveryConfig{
			Workers:      2,
			QueueSize:    64,
			MaxAttempts:  3,
			BaseDelay:    time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			SendTimeout:  time.Second,
			RetryHorizon: 72 * time.Hour,
		},
		Analytics: config.AnalyticsConfig{
			DefaultWindow:          7 * 24 * time.Hour,
			MinTriggerCount:        1,
			TopN:                   5,
			AlertFatigueThreshold:  2,
			HighRiskFailureRate:    25,
			HighRiskEmergencyCount: 1,
			OpenWeight:             0.5,
			FeedbackWeight:         0.5,
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
}

type harness struct {
	*ServiceContainer
	memory *repository.MemoryStore
}

// newHarness builds a started container on the memory store
func newHarness(t *testing.T, senders ...delivery.Sender) *harness {
	t.Helper()
	return newHarnessWith(t, nil, senders...)
}

// newHarnessWith is newHarness with a hook to adjust the dependencies
func newHarnessWith(t *testing.T, adjust func(*repository.MemoryStore, *Dependencies), senders ...delivery.Sender) *harness {
	t.Helper()
	cfg := testConfig()
	logger := zap.NewNop()
	memory := repository.NewMemoryStore()

	deps := Dependencies{
		Store:   memory.Store(),
		Senders: senders,
		Metrics: metrics.NewMetricsCollector(&cfg.Metrics, logger),
		Audit:   monitoring.NewAuditLogger(logger),
	}
	if adjust != nil {
		adjust(memory, &deps)
	}
	c, err := NewServiceContainer(cfg, deps, logger)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))
	})
	return &harness{ServiceContainer: c, memory: memory}
}

func (h *harness) addFarmer(f *models.Farmer) *models.Farmer {
	h.memory.PutFarmer(f)
	return f
}

func (h *harness) addRule(t *testing.T, name string, definition string) *models.Rule {
	t.Helper()
	def, err := models.ParseRuleDefinition([]byte(definition))
	require.NoError(t, err)
	rule, err := h.Rules.Create(context.Background(), &models.RuleRequest{
		Name:       name,
		Priority:   10,
		Definition: def,
	})
	require.NoError(t, err)
	return rule
}

func (h *harness) logsOf(t *testing.T, f *models.Farmer) []*models.AdvisoryLog {
	t.Helper()
	logs, err := h.Tracker.ListByFarmer(context.Background(), f.ID, 100)
	require.NoError(t, err)
	return logs
}

func (h *harness) waitForStatus(t *testing.T, log *models.AdvisoryLog, status models.DeliveryStatus) *models.AdvisoryLog {
	t.Helper()
	var current *models.AdvisoryLog
	require.Eventually(t, func() bool {
		l, err := h.Tracker.Get(context.Background(), log.ID)
		if err != nil {
			return false
		}
		current = l
		return l.DeliveryStatus == status
	}, 2*time.Second, 5*time.Millisecond)
	return current
}

const riceBlastDefinition = `{
	"logic": "AND",
	"conditions": [{"field": "crop", "operator": "EQUALS", "value": "RICE"}],
	"actions": [
		{"type": "SEND_ADVISORY", "payload": {
			"advisoryType": "DISEASE", "severity": "WARNING",
			"title": "Rice blast risk",
			"message": "Blast risk for rice in {{.district}}, {{.farmerName}}"}},
		{"type": "ATTACH_RECOMMENDATION", "payload": {"text": "Spray tricyclazole"}}
	]
}`

func riceFarmer(name string) *models.Farmer {
	return &models.Farmer{
		Name:        name,
		Role:        "FARMER",
		District:    "Chitwan",
		CropType:    "RICE",
		DeviceToken: "token-" + name,
		Mobile:      "+9779800000001",
	}
}

// gatedSender holds every send until release is called
type gatedSender struct {
	channel models.Channel
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	calls int
}

func newGatedSender(ch models.Channel) *gatedSender {
	return &gatedSender{channel: ch, entered: make(chan struct{}, 8), gate: make(chan struct{})}
}

func (s *gatedSender) Channel() models.Channel { return s.channel }

func (s *gatedSender) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.entered <- struct{}{}
	select {
	case <-s.gate:
		return delivery.Receipt{MessageID: "msg-" + msg.LogID.String(), Confirmed: true}, nil
	case <-ctx.Done():
		return delivery.Receipt{}, ctx.Err()
	}
}

func (s *gatedSender) release() { s.once.Do(func() { close(s.gate) }) }

func (s *gatedSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
