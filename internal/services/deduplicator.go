package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

// Deduplicator is the single gate every generated advisory passes. The gate
// is the repository's atomic insert, so concurrent triggers for the same
// farmer, rule and window cannot both pass.
type Deduplicator struct {
	logs         repository.AdvisoryLogRepository
	location     *time.Location
	defaultHours int
}

// NewDeduplicator creates a deduplicator. Windows are calendar days in loc
// unless defaultHours or the rule's own window is set.
func NewDeduplicator(logs repository.AdvisoryLogRepository, loc *time.Location, defaultHours int) *Deduplicator {
	if loc == nil {
		loc = time.UTC
	}
	return &Deduplicator{logs: logs, location: loc, defaultHours: defaultHours}
}

// WindowBucket names the dedup window containing t
func (d *Deduplicator) WindowBucket(rule *models.Rule, t time.Time) string {
	hours := d.defaultHours
	if rule != nil && rule.DedupWindowHours > 0 {
		hours = rule.DedupWindowHours
	}
	if hours <= 0 {
		return t.In(d.location).Format("2006-01-02")
	}
	span := int64(hours) * int64(time.Hour/time.Second)
	return fmt.Sprintf("%dh:%d", hours, t.Unix()/span)
}

// DedupKey hashes the farmer, rule and window bucket
func DedupKey(farmerID, ruleID uuid.UUID, bucket string) string {
	sum := sha256.Sum256([]byte(farmerID.String() + "|" + ruleID.String() + "|" + bucket))
	return hex.EncodeToString(sum[:])
}

// ShouldSuppress stores the candidate and reports whether it was a duplicate.
// A duplicate is persisted as DEDUPED and must not be dispatched.
func (d *Deduplicator) ShouldSuppress(ctx context.Context, candidate *models.AdvisoryLog) (bool, error) {
	inserted, err := d.logs.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("failed to store advisory log: %w", err)
	}
	if inserted {
		return false, nil
	}

	candidate.DeliveryStatus = models.StatusDeduped
	candidate.FailureReason = nil
	if err := d.logs.Insert(ctx, candidate); err != nil {
		return true, fmt.Errorf("failed to store deduped advisory log: %w", err)
	}
	return true, nil
}
