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

// CodeStore is the SQL code ledger. Reserve and Commit are conditional
// updates so concurrent callers race on the row, not in memory.
type CodeStore struct {
	db    *bun.DB
	repo  repository.Repository[*codeRecord]
	nowFn func() time.Time
}

func NewCodeStore(db *bun.DB) (*CodeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, "code", codeHandlers())
	if err != nil {
		return nil, err
	}
	return &CodeStore{db: db, repo: repo, nowFn: utcNow}, nil
}

func (s *CodeStore) GetCode(ctx context.Context, code string) (core.RedemptionCode, error) {
	if s == nil || s.repo == nil {
		return core.RedemptionCode{}, fmt.Errorf("sqlstore: code store is not configured")
	}
	record, err := s.find(ctx, code)
	if err != nil {
		return core.RedemptionCode{}, err
	}
	return record.toDomain(), nil
}

func (s *CodeStore) find(ctx context.Context, code string) (*codeRecord, error) {
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("code", "=", code),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %q", core.ErrCodeNotFound, code)
	}
	return records[0], nil
}

func (s *CodeStore) Reserve(ctx context.Context, code string, redemptionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: code store is not configured")
	}
	if strings.TrimSpace(redemptionID) == "" {
		return fmt.Errorf("sqlstore: redemption id is required")
	}
	now := s.nowFn()
	result, err := s.db.NewUpdate().
		Model((*codeRecord)(nil)).
		Set("reserved_by = ?", redemptionID).
		Set("reserved_at = ?", now).
		Set("updated_at = ?", now).
		Where("code = ?", code).
		Where("consumed = ?", false).
		Where("reserved_by = ?", "").
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(result) > 0 {
		return nil
	}

	record, err := s.find(ctx, code)
	if err != nil {
		return err
	}
	switch {
	case record.Consumed:
		return fmt.Errorf("%w: %q", core.ErrCodeAlreadyConsumed, code)
	case record.ReservedBy == redemptionID:
		return nil
	default:
		return fmt.Errorf("%w: %q", core.ErrCodeReserved, code)
	}
}

func (s *CodeStore) Release(ctx context.Context, code string, redemptionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: code store is not configured")
	}
	if strings.TrimSpace(redemptionID) == "" {
		return nil
	}
	_, err := s.db.NewUpdate().
		Model((*codeRecord)(nil)).
		Set("reserved_by = ?", "").
		Set("reserved_at = NULL").
		Set("updated_at = ?", s.nowFn()).
		Where("code = ?", code).
		Where("consumed = ?", false).
		Where("reserved_by = ?", redemptionID).
		Exec(ctx)
	return err
}

func (s *CodeStore) Commit(ctx context.Context, code string, redemptionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: code store is not configured")
	}
	return commitCodeTx(ctx, s.db, code, redemptionID, s.nowFn())
}

// commitCodeTx flips consumed for the reservation holder. A repeated commit by
// the same redemption succeeds.
func commitCodeTx(ctx context.Context, db bun.IDB, code string, redemptionID string, now time.Time) error {
	result, err := db.NewUpdate().
		Model((*codeRecord)(nil)).
		Set("consumed = ?", true).
		Set("consumed_at = ?", now).
		Set("committed_by = ?", redemptionID).
		Set("updated_at = ?", now).
		Where("code = ?", code).
		Where("consumed = ?", false).
		Where("reserved_by = ?", redemptionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(result) > 0 {
		return nil
	}

	record := new(codeRecord)
	err = db.NewSelect().Model(record).Where("?TableAlias.code = ?", code).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("%w: %q", core.ErrCodeNotFound, code)
		}
		return err
	}
	if record.Consumed {
		if record.CommittedBy == redemptionID {
			return nil
		}
		return fmt.Errorf("%w: %q consumed by another redemption", core.ErrCodeConflict, code)
	}
	return fmt.Errorf("%w: %q not reserved by %s", core.ErrCodeConflict, code, redemptionID)
}

// IssueCodes imports codes for a good. Codes already in the ledger, or
// repeated in the input, are reported as duplicates and left untouched.
func (s *CodeStore) IssueCodes(ctx context.Context, in core.IssueCodesInput) (core.IssueCodesResult, error) {
	if s == nil || s.db == nil {
		return core.IssueCodesResult{}, fmt.Errorf("sqlstore: code store is not configured")
	}
	goodRef := strings.TrimSpace(in.GoodRef)
	if goodRef == "" {
		return core.IssueCodesResult{}, fmt.Errorf("sqlstore: good ref is required")
	}
	batchID := strings.TrimSpace(in.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}
	result := core.IssueCodesResult{BatchID: batchID}
	if len(in.Codes) == 0 {
		return result, nil
	}
	now := s.nowFn()

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var existing []string
		if err := tx.NewSelect().
			Model((*codeRecord)(nil)).
			Column("code").
			Where("?TableAlias.code IN (?)", bun.In(in.Codes)).
			Scan(ctx, &existing); err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(in.Codes))
		for _, code := range existing {
			seen[code] = struct{}{}
		}

		records := make([]*codeRecord, 0, len(in.Codes))
		for _, code := range in.Codes {
			if _, dup := seen[code]; dup {
				result.Duplicates = append(result.Duplicates, code)
				continue
			}
			seen[code] = struct{}{}
			records = append(records, &codeRecord{
				ID:        uuid.NewString(),
				Code:      code,
				GoodRef:   goodRef,
				BatchID:   batchID,
				IssuedBy:  strings.TrimSpace(in.IssuedBy),
				CreatedAt: now,
				UpdatedAt: now,
			})
			result.Issued = append(result.Issued, code)
		}
		if len(records) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&records).Exec(ctx)
		return err
	})
	if err != nil {
		return core.IssueCodesResult{}, err
	}
	return result, nil
}

type codeStatsRow struct {
	Total    int `bun:"total"`
	Consumed int `bun:"consumed"`
	Reserved int `bun:"reserved"`
}

func (s *CodeStore) CodeStats(ctx context.Context, goodRef string) (core.CodeStats, error) {
	if s == nil || s.db == nil {
		return core.CodeStats{}, fmt.Errorf("sqlstore: code store is not configured")
	}
	goodRef = strings.TrimSpace(goodRef)
	var row codeStatsRow
	query := s.db.NewSelect().
		Model((*codeRecord)(nil)).
		ColumnExpr("COUNT(*) AS total").
		ColumnExpr("COALESCE(SUM(CASE WHEN ?TableAlias.consumed THEN 1 ELSE 0 END), 0) AS consumed").
		ColumnExpr("COALESCE(SUM(CASE WHEN NOT ?TableAlias.consumed AND ?TableAlias.reserved_by <> '' THEN 1 ELSE 0 END), 0) AS reserved")
	if goodRef != "" {
		query = query.Where("?TableAlias.good_ref = ?", goodRef)
	}
	if err := query.Scan(ctx, &row); err != nil {
		return core.CodeStats{}, err
	}
	return core.CodeStats{
		GoodRef:  goodRef,
		Total:    row.Total,
		Consumed: row.Consumed,
		Reserved: row.Reserved,
	}.Finalize(), nil
}

func (r *codeRecord) toDomain() core.RedemptionCode {
	if r == nil {
		return core.RedemptionCode{}
	}
	return core.RedemptionCode{
		Code:        r.Code,
		GoodRef:     r.GoodRef,
		Consumed:    r.Consumed,
		ConsumedAt:  copyTimePointer(r.ConsumedAt),
		ReservedBy:  r.ReservedBy,
		ReservedAt:  copyTimePointer(r.ReservedAt),
		CommittedBy: r.CommittedBy,
		BatchID:     r.BatchID,
		IssuedBy:    r.IssuedBy,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}
