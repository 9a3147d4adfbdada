package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxDelivered  = "delivered"
	outboxFailed     = "failed"
)

// StatusEventsFor builds the outbox events for transition entries appended
// after seq.
func StatusEventsFor(r Redemption, seq int) []StatusEvent {
	events := make([]StatusEvent, 0)
	for _, entry := range r.HistorySince(seq) {
		if entry.Kind != HistoryTransition {
			continue
		}
		events = append(events, StatusEvent{
			ID:                fmt.Sprintf("%s:%d", r.ID, entry.Seq),
			RedemptionID:      r.ID,
			State:             entry.State,
			Note:              entry.Note,
			RecipientIdentity: r.RecipientIdentity,
			Seq:               entry.Seq,
			Attempts:          entry.Attempts,
			OccurredAt:        entry.At,
		})
	}
	return events
}

type memoryOutboxEntry struct {
	event         StatusEvent
	status        string
	attempts      int
	nextAttemptAt time.Time
	lastError     string
}

// MemoryStore keeps codes, goods, redemptions and the status outbox behind a
// single mutex so completion and commit are atomic.
type MemoryStore struct {
	mu          sync.Mutex
	codes       map[string]RedemptionCode
	goods       map[string]Good
	redemptions map[string]Redemption
	outbox      []*memoryOutboxEntry
	outboxIndex map[string]*memoryOutboxEntry
	nowFn       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:       make(map[string]RedemptionCode),
		goods:       make(map[string]Good),
		redemptions: make(map[string]Redemption),
		outboxIndex: make(map[string]*memoryOutboxEntry),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

func (s *MemoryStore) RedemptionStore() RedemptionStore { return s }

func (s *MemoryStore) CodeLedger() CodeLedger { return s }

func (s *MemoryStore) PutGood(_ context.Context, good Good) (Good, error) {
	good.Ref = strings.TrimSpace(good.Ref)
	if good.Ref == "" {
		return Good{}, fmt.Errorf("core: good ref is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	if existing, ok := s.goods[good.Ref]; ok {
		good.CreatedAt = existing.CreatedAt
	}
	if good.CreatedAt.IsZero() {
		good.CreatedAt = now
	}
	good.UpdatedAt = now
	good.Metadata = cloneMetadata(good.Metadata)
	s.goods[good.Ref] = good
	return good, nil
}

func (s *MemoryStore) GetGood(_ context.Context, ref string) (Good, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	good, ok := s.goods[strings.TrimSpace(ref)]
	if !ok {
		return Good{}, fmt.Errorf("%w: %q", ErrGoodNotFound, ref)
	}
	good.Metadata = cloneMetadata(good.Metadata)
	return good, nil
}

func (s *MemoryStore) ListGoods(context.Context) ([]Good, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Good, 0, len(s.goods))
	for _, good := range s.goods {
		good.Metadata = cloneMetadata(good.Metadata)
		out = append(out, good)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *MemoryStore) DeleteGood(_ context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goods[ref]; !ok {
		return fmt.Errorf("%w: %q", ErrGoodNotFound, ref)
	}
	delete(s.goods, ref)
	return nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) GetCode(_ context.Context, code string) (RedemptionCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.codes[code]
	if !ok {
		return RedemptionCode{}, fmt.Errorf("%w: %q", ErrCodeNotFound, code)
	}
	return record, nil
}

func (s *MemoryStore) Reserve(_ context.Context, code string, redemptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCodeNotFound, code)
	}
	if record.Consumed {
		return fmt.Errorf("%w: %q", ErrCodeAlreadyConsumed, code)
	}
	if record.ReservedBy == redemptionID {
		return nil
	}
	if record.ReservedBy != "" {
		return fmt.Errorf("%w: %q", ErrCodeReserved, code)
	}
	record.ReservedBy = redemptionID
	record.ReservedAt = timePtr(s.nowFn())
	s.codes[code] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, code string, redemptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.codes[code]
	if !ok || record.Consumed || record.ReservedBy != redemptionID {
		return nil
	}
	record.ReservedBy = ""
	record.ReservedAt = nil
	s.codes[code] = record
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, code string, redemptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(code, redemptionID)
}

func (s *MemoryStore) commitLocked(code string, redemptionID string) error {
	record, ok := s.codes[code]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCodeNotFound, code)
	}
	if record.Consumed {
		if record.CommittedBy == redemptionID {
			return nil
		}
		return fmt.Errorf("%w: %q consumed by another redemption", ErrCodeConflict, code)
	}
	if record.ReservedBy != redemptionID {
		return fmt.Errorf("%w: %q not reserved by %s", ErrCodeConflict, code, redemptionID)
	}
	record.Consumed = true
	record.ConsumedAt = timePtr(s.nowFn())
	record.CommittedBy = redemptionID
	s.codes[code] = record
	return nil
}

func (s *MemoryStore) IssueCodes(_ context.Context, in IssueCodesInput) (IssueCodesResult, error) {
	if strings.TrimSpace(in.GoodRef) == "" {
		return IssueCodesResult{}, fmt.Errorf("core: good ref is required")
	}
	batchID := strings.TrimSpace(in.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result := IssueCodesResult{BatchID: batchID}
	now := s.nowFn()
	for _, code := range in.Codes {
		if _, exists := s.codes[code]; exists {
			result.Duplicates = append(result.Duplicates, code)
			continue
		}
		s.codes[code] = RedemptionCode{
			Code:      code,
			GoodRef:   strings.TrimSpace(in.GoodRef),
			BatchID:   batchID,
			IssuedBy:  strings.TrimSpace(in.IssuedBy),
			CreatedAt: now,
		}
		result.Issued = append(result.Issued, code)
	}
	return result, nil
}

func (s *MemoryStore) CodeStats(_ context.Context, goodRef string) (CodeStats, error) {
	goodRef = strings.TrimSpace(goodRef)
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := CodeStats{GoodRef: goodRef}
	for _, record := range s.codes {
		if goodRef != "" && record.GoodRef != goodRef {
			continue
		}
		stats.Total++
		switch {
		case record.Consumed:
			stats.Consumed++
		case record.ReservedBy != "":
			stats.Reserved++
		}
	}
	return stats.Finalize(), nil
}

// Finalize derives availability and usage rate from the raw counts.
func (stats CodeStats) Finalize() CodeStats {
	stats.Available = stats.Total - stats.Consumed - stats.Reserved
	if stats.Total > 0 {
		stats.UsageRate = float64(stats.Consumed) / float64(stats.Total)
	}
	return stats
}

func (s *MemoryStore) Create(_ context.Context, r Redemption) (Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.redemptions[r.ID]; exists {
		return Redemption{}, fmt.Errorf("core: redemption %q already exists", r.ID)
	}
	now := s.nowFn()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Version = 1
	stored := cloneRedemption(r)
	s.redemptions[r.ID] = stored
	s.enqueueLocked(StatusEventsFor(stored, 0))
	return cloneRedemption(stored), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.redemptions[strings.TrimSpace(id)]
	if !ok {
		return Redemption{}, fmt.Errorf("%w: %q", ErrRedemptionNotFound, id)
	}
	return cloneRedemption(r), nil
}

func (s *MemoryStore) Save(_ context.Context, r Redemption) (Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *MemoryStore) Complete(_ context.Context, r Redemption) (Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.checkVersionLocked(r); err != nil {
		return Redemption{}, err
	}
	if err := s.commitLocked(r.Code, r.ID); err != nil {
		return Redemption{}, err
	}
	return s.saveLocked(r)
}

func (s *MemoryStore) checkVersionLocked(r Redemption) (Redemption, error) {
	current, ok := s.redemptions[r.ID]
	if !ok {
		return Redemption{}, fmt.Errorf("%w: %q", ErrRedemptionNotFound, r.ID)
	}
	if current.Version != r.Version {
		return Redemption{}, fmt.Errorf("%w: %q at version %d, have %d", ErrVersionConflict, r.ID, current.Version, r.Version)
	}
	return current, nil
}

func (s *MemoryStore) saveLocked(r Redemption) (Redemption, error) {
	current, err := s.checkVersionLocked(r)
	if err != nil {
		return Redemption{}, err
	}
	r.Version = current.Version + 1
	r.UpdatedAt = s.nowFn()
	stored := cloneRedemption(r)
	s.redemptions[r.ID] = stored
	s.enqueueLocked(StatusEventsFor(stored, current.lastSeq()))
	return cloneRedemption(stored), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]Redemption, 0)
	for _, r := range s.redemptions {
		if r.State.Terminal() || r.NextRetryAt == nil || r.NextRetryAt.After(now) {
			continue
		}
		due = append(due, cloneRedemption(r))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) List(_ context.Context, filter RedemptionFilter) ([]Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Redemption, 0)
	for _, r := range s.redemptions {
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.Code != "" && r.Code != filter.Code {
			continue
		}
		if filter.RecipientIdentity != "" && r.RecipientIdentity != filter.RecipientIdentity {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !r.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		out = append(out, cloneRedemption(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.NewestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByState(context.Context) (map[RedemptionState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[RedemptionState]int, len(AllRedemptionStates))
	for _, r := range s.redemptions {
		counts[r.State]++
	}
	return counts, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, event StatusEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("core: outbox event id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked([]StatusEvent{event})
	return nil
}

func (s *MemoryStore) enqueueLocked(events []StatusEvent) {
	for _, event := range events {
		if _, exists := s.outboxIndex[event.ID]; exists {
			continue
		}
		entry := &memoryOutboxEntry{event: event, status: outboxPending}
		s.outbox = append(s.outbox, entry)
		s.outboxIndex[event.ID] = entry
	}
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	claimed := make([]StatusEvent, 0, limit)
	for _, entry := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		if entry.status != outboxPending || entry.nextAttemptAt.After(now) {
			continue
		}
		entry.status = outboxProcessing
		event := entry.event
		event.DispatchAttempts = entry.attempts
		claimed = append(claimed, event)
	}
	return claimed, nil
}

func (s *MemoryStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outboxIndex[strings.TrimSpace(eventID)]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.status = outboxDelivered
	entry.lastError = ""
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outboxIndex[strings.TrimSpace(eventID)]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.attempts++
	if cause != nil {
		entry.lastError = cause.Error()
	}
	if nextAttemptAt.IsZero() {
		entry.status = outboxFailed
		return nil
	}
	entry.status = outboxPending
	entry.nextAttemptAt = nextAttemptAt.UTC()
	return nil
}

// OutboxCounts reports outbox entries per status.
func (s *MemoryStore) OutboxCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, entry := range s.outbox {
		counts[entry.status]++
	}
	return counts
}

var (
	_ CodeLedger        = (*MemoryStore)(nil)
	_ CodeAdministrator = (*MemoryStore)(nil)
	_ GoodCatalog       = (*MemoryStore)(nil)
	_ GoodAdministrator = (*MemoryStore)(nil)
	_ RedemptionStore   = (*MemoryStore)(nil)
	_ StatusOutbox      = (*MemoryStore)(nil)
	_ StoreProvider     = (*MemoryStore)(nil)
)
