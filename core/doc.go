// Package core contains the redemption domain model, the workflow state
// machine and the collaborators it drives: code ledger, delivery session
// serializer, retry scheduler and status notifier. Storage, transport and
// queue adapters depend on this package; core does not depend on them.
package core
