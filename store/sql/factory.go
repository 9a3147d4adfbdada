package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-redemptions/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithGoodCache serves GoodCatalog reads through the given cache.
func WithGoodCache(cache repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.goodCache = cache
	}
}

// WithClock sets the time source used for row timestamps and outbox claims.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *RepositoryFactory) {
		f.nowFn = now
	}
}

type RepositoryFactory struct {
	db        *bun.DB
	goodCache repositorycache.CacheService
	nowFn     func() time.Time

	codeStore       *CodeStore
	goodCatalog     GoodWriter
	redemptionStore *RedemptionStore
	outboxStore     *OutboxStore
	dispatchStore   *DispatchStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.redemptionStore != nil && f.codeStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) RedemptionStore() core.RedemptionStore {
	if f == nil || f.redemptionStore == nil {
		return nil
	}
	return f.redemptionStore
}

func (f *RepositoryFactory) CodeLedger() core.CodeLedger {
	if f == nil || f.codeStore == nil {
		return nil
	}
	return f.codeStore
}

func (f *RepositoryFactory) GoodCatalog() core.GoodCatalog {
	if f == nil || f.goodCatalog == nil {
		return nil
	}
	return f.goodCatalog
}

// Goods returns the writable catalog, cached when a cache was configured.
func (f *RepositoryFactory) Goods() GoodWriter {
	if f == nil {
		return nil
	}
	return f.goodCatalog
}

func (f *RepositoryFactory) CodeStore() *CodeStore {
	if f == nil {
		return nil
	}
	return f.codeStore
}

func (f *RepositoryFactory) OutboxStore() *OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) DispatchLedger() *DispatchStore {
	if f == nil {
		return nil
	}
	return f.dispatchStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	codeStore, err := NewCodeStore(f.db)
	if err != nil {
		return err
	}
	goodStore, err := NewGoodStore(f.db)
	if err != nil {
		return err
	}
	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	redemptionStore, err := NewRedemptionStore(f.db, outboxStore)
	if err != nil {
		return err
	}
	dispatchStore, err := NewDispatchStore(f.db)
	if err != nil {
		return err
	}

	if f.nowFn != nil {
		now := func() time.Time { return f.nowFn().UTC() }
		codeStore.nowFn = now
		goodStore.nowFn = now
		dispatchStore.nowFn = now
		redemptionStore.SetClock(now)
	}

	f.codeStore = codeStore
	f.goodCatalog = goodStore
	f.outboxStore = outboxStore
	f.redemptionStore = redemptionStore
	f.dispatchStore = dispatchStore

	if f.goodCache != nil {
		cached, err := NewCachedGoodCatalog(goodStore, f.goodCache)
		if err != nil {
			return err
		}
		f.goodCatalog = cached
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
