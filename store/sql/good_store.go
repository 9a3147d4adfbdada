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

type GoodStore struct {
	db    *bun.DB
	repo  repository.Repository[*goodRecord]
	nowFn func() time.Time
}

func NewGoodStore(db *bun.DB) (*GoodStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, "good", goodHandlers())
	if err != nil {
		return nil, err
	}
	return &GoodStore{db: db, repo: repo, nowFn: utcNow}, nil
}

func (s *GoodStore) GetGood(ctx context.Context, ref string) (core.Good, error) {
	if s == nil || s.repo == nil {
		return core.Good{}, fmt.Errorf("sqlstore: good store is not configured")
	}
	ref = strings.TrimSpace(ref)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("ref", "=", ref),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Good{}, err
	}
	if len(records) == 0 {
		return core.Good{}, fmt.Errorf("%w: %q", core.ErrGoodNotFound, ref)
	}
	return records[0].toDomain(), nil
}

// PutGood inserts or replaces the good identified by its ref.
func (s *GoodStore) PutGood(ctx context.Context, good core.Good) (core.Good, error) {
	if s == nil || s.db == nil {
		return core.Good{}, fmt.Errorf("sqlstore: good store is not configured")
	}
	good.Ref = strings.TrimSpace(good.Ref)
	if good.Ref == "" {
		return core.Good{}, fmt.Errorf("sqlstore: good ref is required")
	}
	now := s.nowFn()

	var out core.Good
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(goodRecord)
		err := tx.NewSelect().Model(existing).Where("?TableAlias.ref = ?", good.Ref).Limit(1).Scan(ctx)
		if err != nil && !isNoRows(err) {
			return err
		}
		if isNoRows(err) {
			record := &goodRecord{
				ID:        uuid.NewString(),
				Ref:       good.Ref,
				Name:      strings.TrimSpace(good.Name),
				Active:    good.Active,
				Metadata:  copyAnyMap(good.Metadata),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
			out = record.toDomain()
			return nil
		}

		existing.Name = strings.TrimSpace(good.Name)
		existing.Active = good.Active
		existing.Metadata = copyAnyMap(good.Metadata)
		existing.UpdatedAt = now
		if _, updateErr := tx.NewUpdate().
			Model(existing).
			Where("id = ?", existing.ID).
			Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = existing.toDomain()
		return nil
	})
	if err != nil {
		return core.Good{}, err
	}
	return out, nil
}

// ListGoods returns every good ordered by ref.
func (s *GoodStore) ListGoods(ctx context.Context) ([]core.Good, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: good store is not configured")
	}
	var records []*goodRecord
	if err := s.db.NewSelect().Model(&records).OrderExpr("?TableAlias.ref ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Good, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *GoodStore) DeleteGood(ctx context.Context, ref string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: good store is not configured")
	}
	ref = strings.TrimSpace(ref)
	result, err := s.db.NewDelete().
		Model((*goodRecord)(nil)).
		Where("ref = ?", ref).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(result) == 0 {
		return fmt.Errorf("%w: %q", core.ErrGoodNotFound, ref)
	}
	return nil
}

func (r *goodRecord) toDomain() core.Good {
	if r == nil {
		return core.Good{}
	}
	return core.Good{
		Ref:       r.Ref,
		Name:      r.Name,
		Active:    r.Active,
		Metadata:  copyAnyMap(r.Metadata),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}
