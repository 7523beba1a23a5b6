package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
)

// RuleRepository persists rules and their version history
type RuleRepository interface {
	List(ctx context.Context, status *models.RuleStatus) ([]*models.Rule, error)
	ListLive(ctx context.Context) ([]*models.Rule, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	Create(ctx context.Context, rule *models.Rule) error
	Update(ctx context.Context, rule *models.Rule) error
	ListVersions(ctx context.Context, ruleID uuid.UUID) ([]*models.RuleVersion, error)
	Count(ctx context.Context) (int, error)
}

// LogMutator changes a locked advisory log in place and reports whether
// anything changed. Returning an error aborts the transition.
type LogMutator func(log *models.AdvisoryLog) (bool, error)

// AdvisoryLogRepository persists advisory logs. Only the dedup gate inserts
// and only Transition mutates.
type AdvisoryLogRepository interface {
	// InsertIfAbsent inserts the log unless another non-DEDUPED log already
	// holds its dedup key. The check and insert are one atomic statement.
	InsertIfAbsent(ctx context.Context, log *models.AdvisoryLog) (bool, error)
	// Insert stores a log unconditionally; used for DEDUPED records
	Insert(ctx context.Context, log *models.AdvisoryLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error)
	// Transition locks the log, applies fn and persists the result
	Transition(ctx context.Context, id uuid.UUID, fn LogMutator) (*models.AdvisoryLog, error)
	// List returns up to query.Limit+1 rows ordered by (createdAt, id) desc
	List(ctx context.Context, query models.AdvisoryLogQuery) ([]*models.AdvisoryLog, error)
	ListByFarmer(ctx context.Context, farmerID uuid.UUID, limit int) ([]*models.AdvisoryLog, error)
	ListSince(ctx context.Context, since time.Time) ([]*models.AdvisoryLog, error)
	// ListPending returns CREATED or DISPATCHED logs created after since
	ListPending(ctx context.Context, since time.Time, limit int) ([]*models.AdvisoryLog, error)
	CountByStatus(ctx context.Context, since time.Time) (map[models.DeliveryStatus]int, error)
	CountFailureReasons(ctx context.Context, since time.Time) (map[string]int, error)
}

// DeliveryAttemptRepository is the append-only attempt ledger
type DeliveryAttemptRepository interface {
	Append(ctx context.Context, attempt *models.DeliveryAttempt) error
	ListByLog(ctx context.Context, logID uuid.UUID) ([]*models.DeliveryAttempt, error)
	// ListForLogsSince returns attempts of logs created after since
	ListForLogsSince(ctx context.Context, since time.Time) ([]*models.DeliveryAttempt, error)
	CountFailedByChannel(ctx context.Context, since time.Time) (map[models.Channel]int, error)
}

// TemplateRepository persists notification templates
type TemplateRepository interface {
	List(ctx context.Context) ([]*models.NotificationTemplate, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.NotificationTemplate, error)
	Create(ctx context.Context, tpl *models.NotificationTemplate) error
	Update(ctx context.Context, tpl *models.NotificationTemplate) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// NotificationRepository persists broadcasts
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	Update(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	Stats(ctx context.Context) (*models.BroadcastStats, error)
}

// FarmerRepository reads farmer profiles owned by the marketplace
type FarmerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Farmer, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Farmer, error)
	ListByFilter(ctx context.Context, filter models.RecipientFilter, limit int) ([]*models.Farmer, error)
}

// Store bundles every repository the service needs
type Store struct {
	Rules         RuleRepository
	Logs          AdvisoryLogRepository
	Attempts      DeliveryAttemptRepository
	Templates     TemplateRepository
	Notifications NotificationRepository
	Farmers       FarmerRepository
	Ping          func(ctx context.Context) error
}
