package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type goodRecord struct {
	bun.BaseModel `bun:"table:redemption_goods,alias:rg"`

	ID        string         `bun:"id,pk"`
	Ref       string         `bun:"ref,notnull"`
	Name      string         `bun:"name,notnull"`
	Active    bool           `bun:"active,notnull"`
	Metadata  map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type codeRecord struct {
	bun.BaseModel `bun:"table:redemption_codes,alias:rc"`

	ID          string     `bun:"id,pk"`
	Code        string     `bun:"code,notnull"`
	GoodRef     string     `bun:"good_ref,notnull"`
	Consumed    bool       `bun:"consumed,notnull"`
	ConsumedAt  *time.Time `bun:"consumed_at,nullzero"`
	ReservedBy  string     `bun:"reserved_by,notnull"`
	ReservedAt  *time.Time `bun:"reserved_at,nullzero"`
	CommittedBy string     `bun:"committed_by,notnull"`
	BatchID     string     `bun:"batch_id,notnull"`
	IssuedBy    string     `bun:"issued_by,notnull"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type redemptionRecord struct {
	bun.BaseModel `bun:"table:redemptions,alias:rd"`

	ID                string     `bun:"id,pk"`
	Code              string     `bun:"code,notnull"`
	GoodRef           string     `bun:"good_ref,notnull"`
	RecipientIdentity string     `bun:"recipient_identity,notnull"`
	RawIdentity       string     `bun:"raw_identity,notnull"`
	State             string     `bun:"state,notnull"`
	Attempts          int        `bun:"attempts,notnull"`
	LastError         string     `bun:"last_error,notnull"`
	NextRetryAt       *time.Time `bun:"next_retry_at,nullzero"`
	Deadline          *time.Time `bun:"deadline,nullzero"`
	ReceiptID         string     `bun:"receipt_id,notnull"`
	Version           int64      `bun:"version,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt       *time.Time `bun:"completed_at,nullzero"`
}

type historyRecord struct {
	bun.BaseModel `bun:"table:redemption_history,alias:rh"`

	ID           string    `bun:"id,pk"`
	RedemptionID string    `bun:"redemption_id,notnull"`
	Seq          int       `bun:"seq,notnull"`
	Kind         string    `bun:"kind,notnull"`
	State        string    `bun:"state,notnull"`
	Note         string    `bun:"note,notnull"`
	Attempts     int       `bun:"attempts,notnull"`
	OccurredAt   time.Time `bun:"occurred_at,notnull"`
}

type statusOutboxRecord struct {
	bun.BaseModel `bun:"table:redemption_status_outbox,alias:rso"`

	ID                string     `bun:"id,pk"`
	EventID           string     `bun:"event_id,notnull"`
	RedemptionID      string     `bun:"redemption_id,notnull"`
	State             string     `bun:"state,notnull"`
	Note              string     `bun:"note,notnull"`
	RecipientIdentity string     `bun:"recipient_identity,notnull"`
	Seq               int        `bun:"seq,notnull"`
	StepAttempts      int        `bun:"step_attempts,notnull"`
	Status            string     `bun:"status,notnull"`
	Attempts          int        `bun:"attempts,notnull"`
	NextAttemptAt     *time.Time `bun:"next_attempt_at,nullzero"`
	LastError         string     `bun:"last_error,notnull"`
	OccurredAt        time.Time  `bun:"occurred_at,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type statusDispatchRecord struct {
	bun.BaseModel `bun:"table:redemption_status_dispatches,alias:rsd"`

	ID           string    `bun:"id,pk"`
	EventID      string    `bun:"event_id,notnull"`
	Subscriber   string    `bun:"subscriber,notnull"`
	RedemptionID string    `bun:"redemption_id,notnull"`
	State        string    `bun:"state,notnull"`
	RecipientKey string    `bun:"recipient_key,notnull"`
	Idempotency  string    `bun:"idempotency_key,notnull"`
	Status       string    `bun:"status,notnull"`
	Error        string    `bun:"error,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
