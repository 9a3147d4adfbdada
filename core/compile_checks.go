package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ RedemptionService  = (*Service)(nil)
	_ RedemptionAdvancer = (*Service)(nil)
	_ IdentityResolver   = TrimmedIdentityResolver{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
