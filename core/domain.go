package core

import (
	"fmt"
	"strings"
	"time"
)

type RedemptionState string

const (
	StateCreated          RedemptionState = "created"
	StateContactRequested RedemptionState = "contact_requested"
	StateContactConfirmed RedemptionState = "contact_confirmed"
	StateGoodDelivering   RedemptionState = "good_delivering"
	StateCompleted        RedemptionState = "completed"
	StateFailed           RedemptionState = "failed"
)

// Status is the coarse state shown to callers.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting-confirmation"
	StatusInProgress           Status = "in-progress"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

type HistoryKind string

const (
	HistoryTransition HistoryKind = "transition"
	HistoryRetry      HistoryKind = "retry"
)

const (
	ReasonCodeConsumed        = "code already consumed"
	ReasonMaxRetriesExceeded  = "max retries exceeded"
	ReasonContactTimeout      = "awaiting-contact timeout"
	ReasonDeliveryUnknown     = "delivery outcome unknown; manual review required"
	ReasonCodeMissing         = "code not found"
	ReasonRetryRequested      = "retry requested by operator"
	ReasonCancelledPrefix     = "cancelled"
	noteSubmitted             = "redemption submitted"
	noteContactRequested      = "contact request sent"
	noteContactConfirmed      = "contact confirmed by platform"
	noteContactConfirmedByOps = "contact confirmed by operator"
	noteDelivering            = "delivering good"
	noteDelivered             = "good delivered"
)

var AllRedemptionStates = []RedemptionState{
	StateCreated,
	StateContactRequested,
	StateContactConfirmed,
	StateGoodDelivering,
	StateCompleted,
	StateFailed,
}

var redemptionTransitions = map[RedemptionState]map[RedemptionState]struct{}{
	StateCreated: {
		StateContactRequested: {},
		StateFailed:           {},
	},
	StateContactRequested: {
		StateContactConfirmed: {},
		StateFailed:           {},
	},
	StateContactConfirmed: {
		StateGoodDelivering: {},
		StateFailed:         {},
	},
	StateGoodDelivering: {
		StateCompleted: {},
		StateFailed:    {},
	},
	// operator replay re-enters the workflow at its first state
	StateFailed: {
		StateCreated: {},
	},
}

func CanTransition(from RedemptionState, to RedemptionState) bool {
	allowed, ok := redemptionTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

func (s RedemptionState) Valid() bool {
	switch s {
	case StateCreated, StateContactRequested, StateContactConfirmed,
		StateGoodDelivering, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

func (s RedemptionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AwaitingContact reports whether the overall workflow deadline applies.
func (s RedemptionState) AwaitingContact() bool {
	return s == StateCreated || s == StateContactRequested
}

func (s RedemptionState) Status() Status {
	switch s {
	case StateCreated:
		return StatusPending
	case StateContactRequested:
		return StatusAwaitingConfirmation
	case StateContactConfirmed, StateGoodDelivering:
		return StatusInProgress
	case StateCompleted:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

func ParseRedemptionState(value string) (RedemptionState, error) {
	state := RedemptionState(strings.TrimSpace(strings.ToLower(value)))
	if !state.Valid() {
		return "", fmt.Errorf("core: invalid redemption state %q", value)
	}
	return state, nil
}

type HistoryEntry struct {
	Seq      int
	Kind     HistoryKind
	State    RedemptionState
	At       time.Time
	Note     string
	Attempts int
}

type RedemptionCode struct {
	Code        string
	GoodRef     string
	Consumed    bool
	ConsumedAt  *time.Time
	ReservedBy  string
	ReservedAt  *time.Time
	CommittedBy string
	BatchID     string
	IssuedBy    string
	CreatedAt   time.Time
}

// Available reports whether a redemption other than holder may still claim the code.
func (c RedemptionCode) Available(holder string) bool {
	if c.Consumed {
		return false
	}
	return c.ReservedBy == "" || c.ReservedBy == holder
}

type Good struct {
	Ref       string
	Name      string
	Active    bool
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Redemption struct {
	ID                string
	Code              string
	GoodRef           string
	RecipientIdentity string
	RawIdentity       string
	State             RedemptionState
	Attempts          int
	LastError         string
	History           []HistoryEntry
	NextRetryAt       *time.Time
	Deadline          *time.Time
	ReceiptID         string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// TransitionTo moves the redemption to next, appending a history entry that
// records how many tries the previous step took. The per-step attempt counter
// is reset on entry.
func (r *Redemption) TransitionTo(next RedemptionState, note string, now time.Time) error {
	if r == nil {
		return fmt.Errorf("core: redemption is required")
	}
	if !CanTransition(r.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	now = now.UTC()
	attempts := r.Attempts
	r.State = next
	r.Attempts = 0
	r.NextRetryAt = nil
	r.UpdatedAt = now
	switch next {
	case StateFailed:
		r.LastError = strings.TrimSpace(note)
		r.CompletedAt = &now
	case StateCompleted:
		r.LastError = ""
		r.CompletedAt = &now
	case StateCreated:
		r.LastError = ""
		r.CompletedAt = nil
		r.ReceiptID = ""
	default:
		r.LastError = ""
	}
	r.appendHistory(HistoryTransition, note, attempts, now)
	return nil
}

// RecordRetry logs a transient failure against the current state without
// changing it.
func (r *Redemption) RecordRetry(reason string, next time.Time, now time.Time) {
	if r == nil {
		return
	}
	now = now.UTC()
	next = next.UTC()
	r.LastError = strings.TrimSpace(reason)
	r.NextRetryAt = &next
	r.UpdatedAt = now
	r.appendHistory(HistoryRetry, reason, r.Attempts, now)
}

func (r *Redemption) appendHistory(kind HistoryKind, note string, attempts int, now time.Time) {
	r.History = append(r.History, HistoryEntry{
		Seq:      r.lastSeq() + 1,
		Kind:     kind,
		State:    r.State,
		At:       now,
		Note:     strings.TrimSpace(note),
		Attempts: attempts,
	})
}

func (r Redemption) lastSeq() int {
	if len(r.History) == 0 {
		return 0
	}
	return r.History[len(r.History)-1].Seq
}

// LastTransition returns the most recent state-changing history entry.
func (r Redemption) LastTransition() (HistoryEntry, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Kind == HistoryTransition {
			return r.History[i], true
		}
	}
	return HistoryEntry{}, false
}

// HistorySince returns entries with a sequence greater than seq.
func (r Redemption) HistorySince(seq int) []HistoryEntry {
	out := make([]HistoryEntry, 0)
	for _, entry := range r.History {
		if entry.Seq > seq {
			out = append(out, entry)
		}
	}
	return out
}

// ValidateHistory checks that transition entries only follow allowed edges and
// that retry entries never change state.
func ValidateHistory(history []HistoryEntry) error {
	var (
		current RedemptionState
		lastSeq int
	)
	for idx, entry := range history {
		if entry.Seq <= lastSeq {
			return fmt.Errorf("core: history entry %d out of order", idx)
		}
		lastSeq = entry.Seq
		if idx == 0 {
			if entry.State != StateCreated || entry.Kind != HistoryTransition {
				return fmt.Errorf("core: history must start at %s", StateCreated)
			}
			current = entry.State
			continue
		}
		switch entry.Kind {
		case HistoryRetry:
			if entry.State != current {
				return fmt.Errorf("core: retry entry %d changed state %s -> %s", idx, current, entry.State)
			}
		default:
			if !CanTransition(current, entry.State) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, entry.State)
			}
			current = entry.State
		}
	}
	return nil
}

func cloneRedemption(r Redemption) Redemption {
	out := r
	out.History = append([]HistoryEntry(nil), r.History...)
	out.NextRetryAt = cloneTime(r.NextRetryAt)
	out.Deadline = cloneTime(r.Deadline)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func timePtr(value time.Time) *time.Time {
	value = value.UTC()
	return &value
}
