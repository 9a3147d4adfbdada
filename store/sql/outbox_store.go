package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-redemptions/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

type OutboxStore struct {
	db    *bun.DB
	repo  repository.Repository[*statusOutboxRecord]
	nowFn func() time.Time
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, "status outbox", outboxHandlers())
	if err != nil {
		return nil, err
	}
	return &OutboxStore{db: db, repo: repo, nowFn: utcNow}, nil
}

// Enqueue adds a single event. Events already present are ignored.
func (s *OutboxStore) Enqueue(ctx context.Context, event core.StatusEvent) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("sqlstore: outbox event id is required")
	}
	if strings.TrimSpace(event.RedemptionID) == "" {
		return fmt.Errorf("sqlstore: outbox redemption id is required")
	}
	_, err := s.repo.Create(ctx, newOutboxRecord(event, s.nowFn()))
	if err != nil && isUniqueConstraintError(err) {
		return nil
	}
	return err
}

func newOutboxRecord(event core.StatusEvent, now time.Time) *statusOutboxRecord {
	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return &statusOutboxRecord{
		ID:                uuid.NewString(),
		EventID:           strings.TrimSpace(event.ID),
		RedemptionID:      strings.TrimSpace(event.RedemptionID),
		State:             string(event.State),
		Note:              event.Note,
		RecipientIdentity: event.RecipientIdentity,
		Seq:               event.Seq,
		StepAttempts:      event.Attempts,
		Status:            outboxStatusPending,
		OccurredAt:        occurredAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// enqueueTx writes events inside an open transaction.
func enqueueTx(ctx context.Context, tx bun.IDB, events []core.StatusEvent, now time.Time) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*statusOutboxRecord, 0, len(events))
	for _, event := range events {
		records = append(records, newOutboxRecord(event, now))
	}
	_, err := tx.NewInsert().Model(&records).Exec(ctx)
	return err
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.StatusEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.nowFn()
	var records []statusOutboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM redemption_status_outbox
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY occurred_at ASC, seq ASC
	LIMIT ?
)
UPDATE redemption_status_outbox
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	redemption_id,
	state,
	note,
	recipient_identity,
	seq,
	step_attempts,
	status,
	attempts,
	next_attempt_at,
	last_error,
	occurred_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			outboxStatusPending,
			now,
			limit,
			outboxStatusProcessing,
			now,
			outboxStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.StatusEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.toEvent())
	}
	sortEvents(events)
	return events, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*statusOutboxRecord)(nil)).
		Set("status = ?", outboxStatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.nowFn()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(result) == 0 {
		return fmt.Errorf("sqlstore: outbox event %q not found", eventID)
	}
	return nil
}

// Retry schedules another attempt; a zero nextAttemptAt marks the event failed.
func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	status := outboxStatusPending
	var next *time.Time
	if !nextAttemptAt.IsZero() {
		nextValue := nextAttemptAt.UTC()
		next = &nextValue
	} else {
		status = outboxStatusFailed
	}

	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	result, err := s.db.NewUpdate().
		Model((*statusOutboxRecord)(nil)).
		Set("status = ?", status).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.nowFn()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(result) == 0 {
		return fmt.Errorf("sqlstore: outbox event %q not found", eventID)
	}
	return nil
}

type outboxCountRow struct {
	Status string `bun:"status"`
	Count  int    `bun:"count"`
}

// Counts reports outbox entries per status.
func (s *OutboxStore) Counts(ctx context.Context) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	var rows []outboxCountRow
	if err := s.db.NewSelect().
		Model((*statusOutboxRecord)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r statusOutboxRecord) toEvent() core.StatusEvent {
	return core.StatusEvent{
		ID:                r.EventID,
		RedemptionID:      r.RedemptionID,
		State:             core.RedemptionState(r.State),
		Note:              r.Note,
		RecipientIdentity: r.RecipientIdentity,
		Seq:               r.Seq,
		Attempts:          r.StepAttempts,
		OccurredAt:        r.OccurredAt.UTC(),
		DispatchAttempts:  r.Attempts,
	}
}

// RETURNING gives no ordering guarantee.
func sortEvents(events []core.StatusEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return eventBefore(events[i], events[j])
	})
}

func eventBefore(a, b core.StatusEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.RedemptionID != b.RedemptionID {
		return a.RedemptionID < b.RedemptionID
	}
	return a.Seq < b.Seq
}
