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

// RedemptionStore persists redemptions with their history. Every write runs
// in one transaction that also enqueues status events, and Complete commits
// the code in that same transaction.
type RedemptionStore struct {
	db          *bun.DB
	repo        repository.Repository[*redemptionRecord]
	historyRepo repository.Repository[*historyRecord]
	outbox      *OutboxStore
	nowFn       func() time.Time
}

func NewRedemptionStore(db *bun.DB, outbox *OutboxStore) (*RedemptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, "redemption", redemptionHandlers())
	if err != nil {
		return nil, err
	}
	historyRepo, err := newRepository(db, "redemption history", historyHandlers())
	if err != nil {
		return nil, err
	}
	if outbox == nil {
		outbox, err = NewOutboxStore(db)
		if err != nil {
			return nil, err
		}
	}
	return &RedemptionStore{
		db:          db,
		repo:        repo,
		historyRepo: historyRepo,
		outbox:      outbox,
		nowFn:       utcNow,
	}, nil
}

// SetClock replaces the time source used for row timestamps.
func (s *RedemptionStore) SetClock(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	wrapped := func() time.Time { return now().UTC() }
	s.nowFn = wrapped
	if s.outbox != nil {
		s.outbox.nowFn = wrapped
	}
}

func (s *RedemptionStore) Create(ctx context.Context, r core.Redemption) (core.Redemption, error) {
	if s == nil || s.db == nil {
		return core.Redemption{}, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	now := s.nowFn()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Version = 1

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(newRedemptionRecord(r)).Exec(ctx); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("sqlstore: redemption %q already exists", r.ID)
			}
			return err
		}
		if err := insertHistoryTx(ctx, tx, r, 0); err != nil {
			return err
		}
		return enqueueTx(ctx, tx, core.StatusEventsFor(r, 0), now)
	})
	if err != nil {
		return core.Redemption{}, err
	}
	return r, nil
}

func (s *RedemptionStore) Get(ctx context.Context, id string) (core.Redemption, error) {
	if s == nil || s.repo == nil {
		return core.Redemption{}, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	id = strings.TrimSpace(id)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Redemption{}, err
	}
	if len(records) == 0 {
		return core.Redemption{}, fmt.Errorf("%w: %q", core.ErrRedemptionNotFound, id)
	}
	out, err := s.withHistory(ctx, records)
	if err != nil {
		return core.Redemption{}, err
	}
	return out[0], nil
}

func (s *RedemptionStore) Save(ctx context.Context, r core.Redemption) (core.Redemption, error) {
	if s == nil || s.db == nil {
		return core.Redemption{}, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	var out core.Redemption
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		saved, err := s.saveTx(ctx, tx, r)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return core.Redemption{}, err
	}
	return out, nil
}

func (s *RedemptionStore) Complete(ctx context.Context, r core.Redemption) (core.Redemption, error) {
	if s == nil || s.db == nil {
		return core.Redemption{}, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	var out core.Redemption
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		saved, err := s.saveTx(ctx, tx, r)
		if err != nil {
			return err
		}
		if err := commitCodeTx(ctx, tx, r.Code, r.ID, s.nowFn()); err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return core.Redemption{}, err
	}
	return out, nil
}

// saveTx bumps the version when the stored row still matches r.Version, then
// appends the new history entries and their status events.
func (s *RedemptionStore) saveTx(ctx context.Context, tx bun.Tx, r core.Redemption) (core.Redemption, error) {
	now := s.nowFn()
	expected := r.Version
	r.Version = expected + 1
	r.UpdatedAt = now

	record := newRedemptionRecord(r)
	result, err := tx.NewUpdate().
		Model(record).
		ExcludeColumn("id", "created_at").
		Where("id = ?", r.ID).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		return core.Redemption{}, err
	}
	if affected(result) == 0 {
		exists, existsErr := tx.NewSelect().Model((*redemptionRecord)(nil)).Where("?TableAlias.id = ?", r.ID).Exists(ctx)
		if existsErr != nil {
			return core.Redemption{}, existsErr
		}
		if !exists {
			return core.Redemption{}, fmt.Errorf("%w: %q", core.ErrRedemptionNotFound, r.ID)
		}
		return core.Redemption{}, fmt.Errorf("%w: %q expected version %d", core.ErrVersionConflict, r.ID, expected)
	}

	var storedSeq int
	if err := tx.NewSelect().
		Model((*historyRecord)(nil)).
		ColumnExpr("COALESCE(MAX(?TableAlias.seq), 0)").
		Where("?TableAlias.redemption_id = ?", r.ID).
		Scan(ctx, &storedSeq); err != nil {
		return core.Redemption{}, err
	}
	if err := insertHistoryTx(ctx, tx, r, storedSeq); err != nil {
		return core.Redemption{}, err
	}
	if err := enqueueTx(ctx, tx, core.StatusEventsFor(r, storedSeq), now); err != nil {
		return core.Redemption{}, err
	}
	return r, nil
}

func insertHistoryTx(ctx context.Context, tx bun.IDB, r core.Redemption, afterSeq int) error {
	entries := r.HistorySince(afterSeq)
	if len(entries) == 0 {
		return nil
	}
	records := make([]*historyRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, &historyRecord{
			ID:           uuid.NewString(),
			RedemptionID: r.ID,
			Seq:          entry.Seq,
			Kind:         string(entry.Kind),
			State:        string(entry.State),
			Note:         entry.Note,
			Attempts:     entry.Attempts,
			OccurredAt:   entry.At.UTC(),
		})
	}
	_, err := tx.NewInsert().Model(&records).Exec(ctx)
	return err
}

func (s *RedemptionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]core.Redemption, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.state NOT IN (?)", bun.In([]string{
					string(core.StateCompleted),
					string(core.StateFailed),
				})).
				Where("?TableAlias.next_retry_at IS NOT NULL").
				Where("?TableAlias.next_retry_at <= ?", now.UTC())
		}),
		repository.OrderBy("next_retry_at ASC"),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	return s.withHistory(ctx, records)
}

func (s *RedemptionStore) List(ctx context.Context, filter core.RedemptionFilter) ([]core.Redemption, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	criteria := make([]repository.SelectCriteria, 0, 6)
	if filter.State != "" {
		criteria = append(criteria, repository.SelectBy("state", "=", string(filter.State)))
	}
	if code := strings.TrimSpace(filter.Code); code != "" {
		criteria = append(criteria, repository.SelectBy("code", "=", code))
	}
	if recipient := strings.TrimSpace(filter.RecipientIdentity); recipient != "" {
		criteria = append(criteria, repository.SelectBy("recipient_identity", "=", recipient))
	}
	if !filter.CreatedAfter.IsZero() {
		after := filter.CreatedAfter.UTC()
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.created_at > ?", after)
		}))
	}
	if filter.NewestFirst {
		criteria = append(criteria, repository.OrderBy("created_at DESC"))
	} else {
		criteria = append(criteria, repository.OrderBy("created_at ASC"))
	}
	if filter.Limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(filter.Limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	return s.withHistory(ctx, records)
}

type stateCountRow struct {
	State string `bun:"state"`
	Count int    `bun:"count"`
}

func (s *RedemptionStore) CountByState(ctx context.Context) (map[core.RedemptionState]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	var rows []stateCountRow
	if err := s.db.NewSelect().
		Model((*redemptionRecord)(nil)).
		Column("state").
		ColumnExpr("COUNT(*) AS count").
		Group("state").
		Scan(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[core.RedemptionState]int, len(core.AllRedemptionStates))
	for _, row := range rows {
		counts[core.RedemptionState(row.State)] = row.Count
	}
	return counts, nil
}

func (s *RedemptionStore) Enqueue(ctx context.Context, event core.StatusEvent) error {
	return s.outbox.Enqueue(ctx, event)
}

func (s *RedemptionStore) ClaimBatch(ctx context.Context, limit int) ([]core.StatusEvent, error) {
	return s.outbox.ClaimBatch(ctx, limit)
}

func (s *RedemptionStore) Ack(ctx context.Context, eventID string) error {
	return s.outbox.Ack(ctx, eventID)
}

func (s *RedemptionStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	return s.outbox.Retry(ctx, eventID, cause, nextAttemptAt)
}

func (s *RedemptionStore) withHistory(ctx context.Context, records []*redemptionRecord) ([]core.Redemption, error) {
	out := make([]core.Redemption, 0, len(records))
	if len(records) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	entries, _, err := s.historyRepo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.redemption_id IN (?)", bun.In(ids))
		}),
		repository.OrderBy("seq ASC"),
	)
	if err != nil {
		return nil, err
	}
	history := make(map[string][]core.HistoryEntry, len(records))
	for _, entry := range entries {
		history[entry.RedemptionID] = append(history[entry.RedemptionID], entry.toDomain())
	}
	for _, record := range records {
		out = append(out, record.toDomain(history[record.ID]))
	}
	return out, nil
}

func newRedemptionRecord(r core.Redemption) *redemptionRecord {
	return &redemptionRecord{
		ID:                r.ID,
		Code:              r.Code,
		GoodRef:           r.GoodRef,
		RecipientIdentity: r.RecipientIdentity,
		RawIdentity:       r.RawIdentity,
		State:             string(r.State),
		Attempts:          r.Attempts,
		LastError:         r.LastError,
		NextRetryAt:       copyTimePointer(r.NextRetryAt),
		Deadline:          copyTimePointer(r.Deadline),
		ReceiptID:         r.ReceiptID,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		CompletedAt:       copyTimePointer(r.CompletedAt),
	}
}

func (r *redemptionRecord) toDomain(history []core.HistoryEntry) core.Redemption {
	if r == nil {
		return core.Redemption{}
	}
	return core.Redemption{
		ID:                r.ID,
		Code:              r.Code,
		GoodRef:           r.GoodRef,
		RecipientIdentity: r.RecipientIdentity,
		RawIdentity:       r.RawIdentity,
		State:             core.RedemptionState(r.State),
		Attempts:          r.Attempts,
		LastError:         r.LastError,
		History:           history,
		NextRetryAt:       copyTimePointer(r.NextRetryAt),
		Deadline:          copyTimePointer(r.Deadline),
		ReceiptID:         r.ReceiptID,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		CompletedAt:       copyTimePointer(r.CompletedAt),
	}
}

func (r *historyRecord) toDomain() core.HistoryEntry {
	return core.HistoryEntry{
		Seq:      r.Seq,
		Kind:     core.HistoryKind(r.Kind),
		State:    core.RedemptionState(r.State),
		At:       r.OccurredAt.UTC(),
		Note:     r.Note,
		Attempts: r.Attempts,
	}
}
