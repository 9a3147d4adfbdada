package sqlstore

import "github.com/goliatone/go-redemptions/core"

var (
	_ core.CodeLedger             = (*CodeStore)(nil)
	_ core.CodeAdministrator      = (*CodeStore)(nil)
	_ core.GoodCatalog            = (*GoodStore)(nil)
	_ GoodWriter                  = (*GoodStore)(nil)
	_ GoodWriter                  = (*CachedGoodCatalog)(nil)
	_ core.RedemptionStore        = (*RedemptionStore)(nil)
	_ core.StatusOutbox           = (*RedemptionStore)(nil)
	_ core.StatusOutbox           = (*OutboxStore)(nil)
	_ core.DispatchLedger         = (*DispatchStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
