package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-redemptions/core"
)

func TestGetRedemptionStatusQuery_QueryDelegates(t *testing.T) {
	expected := core.RedemptionStatus{
		RedemptionID: "r-1",
		State:        core.StateContactRequested,
		Status:       core.StatusAwaitingConfirmation,
	}
	called := false
	reader := &stubReadService{
		statusFn: func(_ context.Context, id string) (core.RedemptionStatus, error) {
			called = true
			if id != "r-1" {
				t.Fatalf("unexpected redemption id %q", id)
			}
			return expected, nil
		},
	}

	result, err := NewGetRedemptionStatusQuery(reader).Query(context.Background(), GetRedemptionStatusMessage{RedemptionID: "r-1"})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !called {
		t.Fatalf("expected status reader invocation")
	}
	if result.Status != expected.Status {
		t.Fatalf("unexpected status result: %#v", result)
	}
}

func TestListRedemptionsQuery_RoutesByIdentity(t *testing.T) {
	reader := &stubReadService{
		listFn: func(_ context.Context, filter core.RedemptionFilter) ([]core.RedemptionStatus, error) {
			if filter.State != core.StateFailed || filter.Limit != 10 || filter.NewestFirst {
				t.Fatalf("unexpected filter %#v", filter)
			}
			return []core.RedemptionStatus{{RedemptionID: "r-1"}}, nil
		},
		recentFn: func(_ context.Context, raw string, limit int) ([]core.RedemptionStatus, error) {
			if raw != "76561197960287930" || limit != 0 {
				t.Fatalf("unexpected recent request %q %d", raw, limit)
			}
			return []core.RedemptionStatus{{RedemptionID: "r-2"}, {RedemptionID: "r-3"}}, nil
		},
	}
	qry := NewListRedemptionsQuery(reader)

	byState, err := qry.Query(context.Background(), ListRedemptionsMessage{State: "FAILED", Limit: 10})
	if err != nil || len(byState) != 1 {
		t.Fatalf("unexpected state listing %#v %v", byState, err)
	}
	recent, err := qry.Query(context.Background(), ListRedemptionsMessage{RawIdentity: " 76561197960287930 "})
	if err != nil || len(recent) != 2 {
		t.Fatalf("unexpected recent listing %#v %v", recent, err)
	}
	if reader.listCalls != 1 || reader.recentCalls != 1 {
		t.Fatalf("expected one call per route, got list=%d recent=%d", reader.listCalls, reader.recentCalls)
	}

	if _, err := qry.Query(context.Background(), ListRedemptionsMessage{State: "lost"}); err == nil {
		t.Fatalf("expected invalid state to be rejected")
	}
	if reader.listCalls != 1 {
		t.Fatalf("invalid message must not reach the service")
	}
}

func TestStatsQueries_Delegate(t *testing.T) {
	reader := &stubReadService{
		statsFn: func(context.Context) (core.RedemptionStats, error) {
			return core.RedemptionStats{Total: 3, ByState: map[core.RedemptionState]int{core.StateCompleted: 3}}, nil
		},
		codeStatsFn: func(_ context.Context, goodRef string) (core.CodeStats, error) {
			return core.CodeStats{GoodRef: goodRef, Total: 4, Consumed: 1, Available: 3, UsageRate: 0.25}, nil
		},
	}

	stats, err := NewRedemptionStatsQuery(reader).Query(context.Background(), RedemptionStatsMessage{})
	if err != nil || stats.Total != 3 {
		t.Fatalf("unexpected stats %#v %v", stats, err)
	}
	codes, err := NewCodeStatsQuery(reader).Query(context.Background(), CodeStatsMessage{GoodRef: "game-1"})
	if err != nil || codes.GoodRef != "game-1" || codes.UsageRate != 0.25 {
		t.Fatalf("unexpected code stats %#v %v", codes, err)
	}
	if _, err := NewCodeStatsQuery(reader).Query(context.Background(), CodeStatsMessage{}); err == nil {
		t.Fatalf("expected good ref to be required")
	}
}

func TestValidateCodeQuery_ReturnsRejectionWithoutError(t *testing.T) {
	reader := &stubReadService{
		validateFn: func(_ context.Context, code string) (core.CodeValidation, error) {
			return core.CodeValidation{Code: code, Reason: core.RejectionCodeConsumed, Message: "code already used"}, nil
		},
	}
	result, err := NewValidateCodeQuery(reader).Query(context.Background(), ValidateCodeMessage{Code: "GIFT-0001"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid || result.Reason != core.RejectionCodeConsumed {
		t.Fatalf("unexpected validation %#v", result)
	}
}

func TestSessionStatusQuery_ReturnsSnapshot(t *testing.T) {
	connected := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reader := &stubReadService{
		session: core.SessionStatus{Online: true, LastConnectedAt: &connected, QueueDepth: 2},
	}
	status, err := NewSessionStatusQuery(reader).Query(context.Background(), SessionStatusMessage{})
	if err != nil {
		t.Fatalf("session status: %v", err)
	}
	if !status.Online || status.QueueDepth != 2 || !status.LastConnectedAt.Equal(connected) {
		t.Fatalf("unexpected session status %#v", status)
	}
}

func TestGoodsQueries_Delegate(t *testing.T) {
	ctx := context.Background()
	reader := &stubGoodsReader{
		goods: []core.GoodSummary{
			{Good: core.Good{Ref: "game-1", Active: true}, Codes: core.CodeStats{GoodRef: "game-1", Total: 3, Available: 2}},
		},
		status: core.SystemStatus{Goods: 1, ActiveGoods: 1, GoodsInStock: 1, UnusedCodes: 2},
	}

	goods, err := NewListGoodsQuery(reader).Query(ctx, ListGoodsMessage{})
	if err != nil {
		t.Fatalf("list goods: %v", err)
	}
	if len(goods) != 1 || goods[0].Codes.Available != 2 {
		t.Fatalf("unexpected goods %#v", goods)
	}
	status, err := NewSystemStatusQuery(reader).Query(ctx, SystemStatusMessage{})
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if status.GoodsInStock != 1 || status.UnusedCodes != 2 {
		t.Fatalf("unexpected system status %#v", status)
	}

	if _, err := NewListGoodsQuery(nil).Query(ctx, ListGoodsMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
}

type stubGoodsReader struct {
	goods  []core.GoodSummary
	status core.SystemStatus
}

func (s *stubGoodsReader) ListGoods(context.Context) ([]core.GoodSummary, error) {
	return s.goods, nil
}

func (s *stubGoodsReader) SystemStatus(context.Context) (core.SystemStatus, error) {
	return s.status, nil
}

var _ GoodsReader = (*stubGoodsReader)(nil)

type stubReadService struct {
	statusFn    func(ctx context.Context, id string) (core.RedemptionStatus, error)
	listFn      func(ctx context.Context, filter core.RedemptionFilter) ([]core.RedemptionStatus, error)
	recentFn    func(ctx context.Context, raw string, limit int) ([]core.RedemptionStatus, error)
	statsFn     func(ctx context.Context) (core.RedemptionStats, error)
	codeStatsFn func(ctx context.Context, goodRef string) (core.CodeStats, error)
	validateFn  func(ctx context.Context, code string) (core.CodeValidation, error)
	session     core.SessionStatus

	listCalls   int
	recentCalls int
}

func (s *stubReadService) GetStatus(ctx context.Context, id string) (core.RedemptionStatus, error) {
	if s.statusFn == nil {
		return core.RedemptionStatus{}, fmt.Errorf("status not configured")
	}
	return s.statusFn(ctx, id)
}

func (s *stubReadService) ListRedemptions(ctx context.Context, filter core.RedemptionFilter) ([]core.RedemptionStatus, error) {
	s.listCalls++
	if s.listFn == nil {
		return nil, fmt.Errorf("list not configured")
	}
	return s.listFn(ctx, filter)
}

func (s *stubReadService) RecentByRecipient(ctx context.Context, raw string, limit int) ([]core.RedemptionStatus, error) {
	s.recentCalls++
	if s.recentFn == nil {
		return nil, fmt.Errorf("recent not configured")
	}
	return s.recentFn(ctx, raw, limit)
}

func (s *stubReadService) Stats(ctx context.Context) (core.RedemptionStats, error) {
	if s.statsFn == nil {
		return core.RedemptionStats{}, fmt.Errorf("stats not configured")
	}
	return s.statsFn(ctx)
}

func (s *stubReadService) CodeStats(ctx context.Context, goodRef string) (core.CodeStats, error) {
	if s.codeStatsFn == nil {
		return core.CodeStats{}, fmt.Errorf("code stats not configured")
	}
	return s.codeStatsFn(ctx, goodRef)
}

func (s *stubReadService) ValidateCode(ctx context.Context, code string) (core.CodeValidation, error) {
	if s.validateFn == nil {
		return core.CodeValidation{}, fmt.Errorf("validate not configured")
	}
	return s.validateFn(ctx, code)
}

func (s *stubReadService) SessionStatus() core.SessionStatus {
	return s.session
}

var _ ReadService = (*stubReadService)(nil)
