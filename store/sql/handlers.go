package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// keyedRecord is implemented by every record with a string primary key.
// Methods must tolerate nil receivers.
type keyedRecord interface {
	recordID() string
	assignID(id string)
}

func recordHandlers[T keyedRecord](newRecord func() T) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(record.recordID())
		},
		SetID: func(record T, id uuid.UUID) {
			record.assignID(id.String())
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(record.recordID())
		},
	}
}

func goodHandlers() repository.ModelHandlers[*goodRecord] {
	return recordHandlers(func() *goodRecord { return &goodRecord{} })
}

func codeHandlers() repository.ModelHandlers[*codeRecord] {
	return recordHandlers(func() *codeRecord { return &codeRecord{} })
}

func redemptionHandlers() repository.ModelHandlers[*redemptionRecord] {
	return recordHandlers(func() *redemptionRecord { return &redemptionRecord{} })
}

func historyHandlers() repository.ModelHandlers[*historyRecord] {
	return recordHandlers(func() *historyRecord { return &historyRecord{} })
}

func outboxHandlers() repository.ModelHandlers[*statusOutboxRecord] {
	return recordHandlers(func() *statusOutboxRecord { return &statusOutboxRecord{} })
}

func dispatchHandlers() repository.ModelHandlers[*statusDispatchRecord] {
	return recordHandlers(func() *statusDispatchRecord { return &statusDispatchRecord{} })
}

func (r *goodRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *goodRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *codeRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *codeRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *redemptionRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *redemptionRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *historyRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *historyRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *statusOutboxRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *statusOutboxRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func (r *statusDispatchRecord) recordID() string {
	if r == nil {
		return ""
	}
	return r.ID
}

func (r *statusDispatchRecord) assignID(id string) {
	if r != nil {
		r.ID = id
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func newRepository[T keyedRecord](db *bun.DB, name string, handlers repository.ModelHandlers[T]) (repository.Repository[T], error) {
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}
