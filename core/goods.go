package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const recentRedemptionWindow = 24 * time.Hour

type PutGoodInput struct {
	Ref      string
	Name     string
	Active   bool
	Metadata map[string]any
}

// GoodSummary is a catalog entry with its code stock.
type GoodSummary struct {
	Good
	Codes CodeStats
}

// SystemStatus is the operator overview of catalog, stock and workflow.
type SystemStatus struct {
	Goods             int
	ActiveGoods       int
	GoodsInStock      int
	UnusedCodes       int
	RecentRedemptions int
	Redemptions       RedemptionStats
	Session           SessionStatus
	GeneratedAt       time.Time
}

func (s *Service) goodAdministrator() (GoodAdministrator, error) {
	admin, ok := s.goods.(GoodAdministrator)
	if !ok || admin == nil {
		return nil, fmt.Errorf("core: writable good catalog is not configured")
	}
	return admin, nil
}

// PutGood creates or updates a good.
func (s *Service) PutGood(ctx context.Context, in PutGoodInput) (good Good, err error) {
	startedAt := time.Now().UTC()
	in.Ref = strings.TrimSpace(in.Ref)
	fields := map[string]any{"good_ref": in.Ref, "active": in.Active}
	defer func() {
		s.observeOperation(ctx, startedAt, "put_good", err, fields)
	}()

	if in.Ref == "" {
		err = s.mapError(fmt.Errorf("core: good ref is required"))
		return Good{}, err
	}
	admin, err := s.goodAdministrator()
	if err != nil {
		err = s.mapError(err)
		return Good{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Ref
	}
	good, err = admin.PutGood(ctx, Good{Ref: in.Ref, Name: name, Active: in.Active, Metadata: in.Metadata})
	if err != nil {
		err = s.mapError(err)
		return Good{}, err
	}
	return good, nil
}

// DeactivateGood stops new submissions for a good. Redemptions already
// running are not affected.
func (s *Service) DeactivateGood(ctx context.Context, ref string) (good Good, err error) {
	startedAt := time.Now().UTC()
	ref = strings.TrimSpace(ref)
	fields := map[string]any{"good_ref": ref}
	defer func() {
		s.observeOperation(ctx, startedAt, "deactivate_good", err, fields)
	}()

	admin, err := s.goodAdministrator()
	if err != nil {
		err = s.mapError(err)
		return Good{}, err
	}
	good, err = admin.GetGood(ctx, ref)
	if err != nil {
		err = s.mapError(err)
		return Good{}, err
	}
	if !good.Active {
		return good, nil
	}
	good.Active = false
	good, err = admin.PutGood(ctx, good)
	if err != nil {
		err = s.mapError(err)
		return Good{}, err
	}
	return good, nil
}

// DeleteGood removes a good whose codes are all consumed. Every redemption
// still running holds an unconsumed code, so this also refuses goods with
// live redemptions.
func (s *Service) DeleteGood(ctx context.Context, ref string) (err error) {
	startedAt := time.Now().UTC()
	ref = strings.TrimSpace(ref)
	fields := map[string]any{"good_ref": ref}
	defer func() {
		s.observeOperation(ctx, startedAt, "delete_good", err, fields)
	}()

	if ref == "" {
		err = s.mapError(fmt.Errorf("core: good ref is required"))
		return err
	}
	admin, err := s.goodAdministrator()
	if err != nil {
		err = s.mapError(err)
		return err
	}
	if _, err = admin.GetGood(ctx, ref); err != nil {
		err = s.mapError(err)
		return err
	}
	if s.codeAdmin != nil {
		stats, statsErr := s.codeAdmin.CodeStats(ctx, ref)
		if statsErr != nil {
			err = s.mapError(statsErr)
			return err
		}
		if unused := stats.Total - stats.Consumed; unused > 0 {
			fields["unused_codes"] = unused
			err = s.mapError(fmt.Errorf("%w: %q has %d", ErrGoodInUse, ref, unused))
			return err
		}
	}
	if err = admin.DeleteGood(ctx, ref); err != nil {
		err = s.mapError(err)
		return err
	}
	return nil
}

// ListGoods returns every good with its code stock, ordered by ref.
func (s *Service) ListGoods(ctx context.Context) ([]GoodSummary, error) {
	admin, err := s.goodAdministrator()
	if err != nil {
		return nil, s.mapError(err)
	}
	goods, err := admin.ListGoods(ctx)
	if err != nil {
		return nil, s.mapError(err)
	}
	out := make([]GoodSummary, 0, len(goods))
	for _, good := range goods {
		summary := GoodSummary{Good: good, Codes: CodeStats{GoodRef: good.Ref}}
		if s.codeAdmin != nil {
			stats, statsErr := s.codeAdmin.CodeStats(ctx, good.Ref)
			if statsErr != nil {
				return nil, s.mapError(statsErr)
			}
			summary.Codes = stats
		}
		out = append(out, summary)
	}
	return out, nil
}

// SystemStatus summarises the catalog, unused stock and recent activity.
func (s *Service) SystemStatus(ctx context.Context) (SystemStatus, error) {
	now := s.now()
	status := SystemStatus{GeneratedAt: now, Session: s.SessionStatus()}

	if _, ok := s.goods.(GoodAdministrator); ok {
		goods, err := s.ListGoods(ctx)
		if err != nil {
			return SystemStatus{}, err
		}
		status.Goods = len(goods)
		for _, good := range goods {
			if good.Active {
				status.ActiveGoods++
			}
			if good.Active && good.Codes.Available > 0 {
				status.GoodsInStock++
			}
		}
	}
	if s.codeAdmin != nil {
		stats, err := s.codeAdmin.CodeStats(ctx, "")
		if err != nil {
			return SystemStatus{}, s.mapError(err)
		}
		status.UnusedCodes = stats.Total - stats.Consumed
	}

	redemptions, err := s.Stats(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	status.Redemptions = redemptions
	recent, err := s.store.List(ctx, RedemptionFilter{CreatedAfter: now.Add(-recentRedemptionWindow)})
	if err != nil {
		return SystemStatus{}, s.mapError(err)
	}
	status.RecentRedemptions = len(recent)
	return status, nil
}
