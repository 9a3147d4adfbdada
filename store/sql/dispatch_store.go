package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-redemptions/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DispatchStore records per-subscriber deliveries of status events. Failed
// records do not count as seen, and a later attempt overwrites them.
type DispatchStore struct {
	db    *bun.DB
	repo  repository.Repository[*statusDispatchRecord]
	nowFn func() time.Time
}

func NewDispatchStore(db *bun.DB) (*DispatchStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, "status dispatch", dispatchHandlers())
	if err != nil {
		return nil, err
	}
	return &DispatchStore{db: db, repo: repo, nowFn: utcNow}, nil
}

func (s *DispatchStore) Seen(ctx context.Context, idempotencyKey string) (bool, error) {
	if s == nil || s.repo == nil {
		return false, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return false, fmt.Errorf("sqlstore: idempotency key is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("idempotency_key", "=", key),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status <> ?", core.DispatchStatusFailed)
		}),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (s *DispatchStore) Record(ctx context.Context, input core.DispatchRecord) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	if strings.TrimSpace(input.EventID) == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	if strings.TrimSpace(input.Subscriber) == "" {
		return fmt.Errorf("sqlstore: subscriber is required")
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if key == "" {
		return fmt.Errorf("sqlstore: idempotency key is required")
	}

	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = core.DispatchStatusSent
	}
	now := s.nowFn()
	record := &statusDispatchRecord{
		ID:           uuid.NewString(),
		EventID:      strings.TrimSpace(input.EventID),
		Subscriber:   strings.TrimSpace(input.Subscriber),
		RedemptionID: strings.TrimSpace(input.RedemptionID),
		State:        string(input.State),
		RecipientKey: strings.TrimSpace(input.RecipientKey),
		Idempotency:  key,
		Status:       status,
		Error:        strings.TrimSpace(input.Error),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.repo.Create(ctx, record)
	if err == nil || !isUniqueConstraintError(err) {
		return err
	}
	_, err = s.db.NewUpdate().
		Model((*statusDispatchRecord)(nil)).
		Set("status = ?", status).
		Set("error = ?", record.Error).
		Set("updated_at = ?", now).
		Where("idempotency_key = ?", key).
		Where("status = ?", core.DispatchStatusFailed).
		Exec(ctx)
	return err
}

// Records lists every dispatch for a redemption, oldest first.
func (s *DispatchStore) Records(ctx context.Context, redemptionID string) ([]core.DispatchRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dispatch store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("redemption_id", "=", strings.TrimSpace(redemptionID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DispatchRecord, 0, len(records))
	for _, record := range records {
		out = append(out, core.DispatchRecord{
			EventID:        record.EventID,
			Subscriber:     record.Subscriber,
			RedemptionID:   record.RedemptionID,
			State:          core.RedemptionState(record.State),
			RecipientKey:   record.RecipientKey,
			IdempotencyKey: record.Idempotency,
			Status:         record.Status,
			Error:          record.Error,
		})
	}
	return out, nil
}
