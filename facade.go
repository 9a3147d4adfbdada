package redemptions

import (
	"fmt"
	"reflect"

	redemptioncommand "github.com/goliatone/go-redemptions/command"
	"github.com/goliatone/go-redemptions/core"
	redemptionquery "github.com/goliatone/go-redemptions/query"
)

type CommandQueryService interface {
	redemptioncommand.MutatingService
	redemptionquery.ReadService
	redemptioncommand.GoodsService
	redemptionquery.GoodsReader
}

type Commands struct {
	SubmitRedemption  *redemptioncommand.SubmitRedemptionCommand
	ConfirmContact    *redemptioncommand.ConfirmContactCommand
	RetryFailed       *redemptioncommand.RetryFailedCommand
	CancelRedemption  *redemptioncommand.CancelRedemptionCommand
	AdvanceRedemption *redemptioncommand.AdvanceRedemptionCommand
	IssueCodes        *redemptioncommand.IssueCodesCommand
	PutGood           *redemptioncommand.PutGoodCommand
	DeactivateGood    *redemptioncommand.DeactivateGoodCommand
	DeleteGood        *redemptioncommand.DeleteGoodCommand
}

type Queries struct {
	GetRedemptionStatus *redemptionquery.GetRedemptionStatusQuery
	ListRedemptions     *redemptionquery.ListRedemptionsQuery
	RedemptionStats     *redemptionquery.RedemptionStatsQuery
	CodeStats           *redemptionquery.CodeStatsQuery
	ValidateCode        *redemptionquery.ValidateCodeQuery
	SessionStatus       *redemptionquery.SessionStatusQuery
	ListGoods           *redemptionquery.ListGoodsQuery
	SystemStatus        *redemptionquery.SystemStatusQuery
}

// statusNotifierSource is implemented by *core.Service.
type statusNotifierSource interface {
	StatusSubscribers(board *core.StatusBoard, ledger core.DispatchLedger) *core.StatusSubscriberRegistry
	NewStatusDispatcher(registry *core.StatusSubscriberRegistry) (*core.StatusDispatcher, error)
}

type Facade struct {
	service  CommandQueryService
	ledger   core.DispatchLedger
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	dispatchLedger core.DispatchLedger
}

// WithDispatchLedger records recipient notices sent by the facade's status
// dispatcher.
func WithDispatchLedger(ledger core.DispatchLedger) FacadeOption {
	return func(options *facadeOptions) {
		options.dispatchLedger = ledger
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("redemptions: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	ledger := cfg.dispatchLedger
	if ledger == nil {
		ledger = resolveDispatchLedger(service)
	}

	facade := &Facade{service: service, ledger: ledger}
	facade.commands = Commands{
		SubmitRedemption:  redemptioncommand.NewSubmitRedemptionCommand(service),
		ConfirmContact:    redemptioncommand.NewConfirmContactCommand(service),
		RetryFailed:       redemptioncommand.NewRetryFailedCommand(service),
		CancelRedemption:  redemptioncommand.NewCancelRedemptionCommand(service),
		AdvanceRedemption: redemptioncommand.NewAdvanceRedemptionCommand(service),
		IssueCodes:        redemptioncommand.NewIssueCodesCommand(service),
		PutGood:           redemptioncommand.NewPutGoodCommand(service),
		DeactivateGood:    redemptioncommand.NewDeactivateGoodCommand(service),
		DeleteGood:        redemptioncommand.NewDeleteGoodCommand(service),
	}
	facade.queries = Queries{
		GetRedemptionStatus: redemptionquery.NewGetRedemptionStatusQuery(service),
		ListRedemptions:     redemptionquery.NewListRedemptionsQuery(service),
		RedemptionStats:     redemptionquery.NewRedemptionStatsQuery(service),
		CodeStats:           redemptionquery.NewCodeStatsQuery(service),
		ValidateCode:        redemptionquery.NewValidateCodeQuery(service),
		SessionStatus:       redemptionquery.NewSessionStatusQuery(service),
		ListGoods:           redemptionquery.NewListGoodsQuery(service),
		SystemStatus:        redemptionquery.NewSystemStatusQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) DispatchLedger() core.DispatchLedger {
	if f == nil {
		return nil
	}
	return f.ledger
}

// NewStatusDispatcher builds the outbox dispatcher with the status board and,
// when a dispatch ledger is known, recipient notices.
func (f *Facade) NewStatusDispatcher(board *core.StatusBoard) (*core.StatusDispatcher, error) {
	if f == nil || f.service == nil {
		return nil, fmt.Errorf("redemptions: facade is not configured")
	}
	source, ok := f.service.(statusNotifierSource)
	if !ok {
		return nil, fmt.Errorf("redemptions: service %T does not expose a status outbox", f.service)
	}
	return source.NewStatusDispatcher(source.StatusSubscribers(board, f.ledger))
}

// resolveDispatchLedger looks for a DispatchLedger() accessor on the
// service's repository factory. Store packages return their concrete type,
// so the method is found by name.
func resolveDispatchLedger(service CommandQueryService) core.DispatchLedger {
	if service == nil {
		return nil
	}
	if ledger, ok := service.(core.DispatchLedger); ok {
		return ledger
	}
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return nil
	}
	deps := provider.Dependencies()
	if deps.RepositoryFactory == nil {
		return nil
	}

	factoryValue := reflect.ValueOf(deps.RepositoryFactory)
	if !factoryValue.IsValid() {
		return nil
	}
	if factoryValue.Kind() == reflect.Ptr && factoryValue.IsNil() {
		return nil
	}
	method := factoryValue.MethodByName("DispatchLedger")
	if !method.IsValid() || method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return nil
	}

	results, ok := safeReflectCall(method)
	if !ok {
		return nil
	}
	if len(results) != 1 {
		return nil
	}
	candidate := results[0]
	if !candidate.IsValid() {
		return nil
	}
	if (candidate.Kind() == reflect.Ptr || candidate.Kind() == reflect.Interface) && candidate.IsNil() {
		return nil
	}
	ledger, ok := candidate.Interface().(core.DispatchLedger)
	if !ok {
		return nil
	}
	return ledger
}

func safeReflectCall(method reflect.Value) (_ []reflect.Value, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return method.Call(nil), true
}
