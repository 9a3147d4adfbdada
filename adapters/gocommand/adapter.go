package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	redemptioncommand "github.com/goliatone/go-redemptions/command"
	"github.com/goliatone/go-redemptions/core"
	redemptionquery "github.com/goliatone/go-redemptions/query"
)

const messageTypePrefix = "redemptions."

// ValidateMessageContract checks that msg is a redemption message: a Type()
// inside the redemptions namespace and, when implemented, a passing Validate().
func ValidateMessageContract(msg any) error {
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: %T does not implement Type() string", msg)
	}
	if err := checkMessageType(m.Type()); err != nil {
		return err
	}
	return command.ValidateMessage(msg)
}

func checkMessageType(kind string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	if !strings.HasPrefix(kind, messageTypePrefix) {
		return fmt.Errorf("gocommand: message type %q is outside the %q namespace", kind, messageTypePrefix)
	}
	return nil
}

// RegistryAdapter owns the go-command registry the redemption handlers are
// registered in.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) ready() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return nil
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// RegisterCommand adds a handler without subscribing it, for handlers that
// are only reached through resolvers such as the job queue.
func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(cmd)
}

// AddQueueResolver mirrors every registered handler into queueRegistry when
// the registry initializes, so redemption commands can run as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if err := a.ready(); err != nil {
		return err
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.Initialize()
}

// Dispatch checks the message contract before handing msg to the dispatcher.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// subscribe registers handler for messages of type T. The subscription is
// dropped again when the registry refuses the handler.
func subscribe[T any](adapter *RegistryAdapter, handler any, open func() commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	var msg T
	if m, ok := any(msg).(command.Message); ok {
		if err := checkMessageType(m.Type()); err != nil {
			return nil, err
		}
	}
	sub := open()
	if err := adapter.registry.RegisterCommand(handler); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, err
	}
	return sub, nil
}

func RegisterAndSubscribe[T any](adapter *RegistryAdapter, cmd command.Commander[T], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	return subscribe[T](adapter, cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	})
}

func RegisterAndSubscribeQuery[T any, R any](adapter *RegistryAdapter, qry command.Querier[T, R], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return subscribe[T](adapter, qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	})
}

// Service is what the redemption handlers need from core.Service.
type Service interface {
	redemptioncommand.MutatingService
	redemptionquery.ReadService
	redemptioncommand.GoodsService
	redemptionquery.GoodsReader
}

// Registration tracks the dispatcher subscriptions made for a service.
type Registration struct {
	subscriptions []commanddispatcher.Subscription
}

func (r *Registration) Len() int {
	if r == nil {
		return 0
	}
	return len(r.subscriptions)
}

func (r *Registration) Unsubscribe() {
	if r == nil {
		return
	}
	for _, sub := range r.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	r.subscriptions = nil
}

func (r *Registration) add(sub commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	r.subscriptions = append(r.subscriptions, sub)
	return nil
}

// RegisterRedemptionHandlers registers and subscribes every redemption
// command and query against svc. On error nothing stays subscribed.
func RegisterRedemptionHandlers(adapter *RegistryAdapter, svc Service, runnerOpts ...runner.Option) (*Registration, error) {
	if svc == nil {
		return nil, fmt.Errorf("gocommand: redemption service is required")
	}
	reg := &Registration{}
	steps := []func() error{
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.SubmitRedemptionMessage](adapter, redemptioncommand.NewSubmitRedemptionCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.ConfirmContactMessage](adapter, redemptioncommand.NewConfirmContactCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.RetryFailedMessage](adapter, redemptioncommand.NewRetryFailedCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.CancelRedemptionMessage](adapter, redemptioncommand.NewCancelRedemptionCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.AdvanceRedemptionMessage](adapter, redemptioncommand.NewAdvanceRedemptionCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.IssueCodesMessage](adapter, redemptioncommand.NewIssueCodesCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.GetRedemptionStatusMessage, core.RedemptionStatus](
				adapter, redemptionquery.NewGetRedemptionStatusQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.ListRedemptionsMessage, []core.RedemptionStatus](
				adapter, redemptionquery.NewListRedemptionsQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.RedemptionStatsMessage, core.RedemptionStats](
				adapter, redemptionquery.NewRedemptionStatsQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.CodeStatsMessage, core.CodeStats](
				adapter, redemptionquery.NewCodeStatsQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.ValidateCodeMessage, core.CodeValidation](
				adapter, redemptionquery.NewValidateCodeQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.SessionStatusMessage, core.SessionStatus](
				adapter, redemptionquery.NewSessionStatusQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.PutGoodMessage](adapter, redemptioncommand.NewPutGoodCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.DeactivateGoodMessage](adapter, redemptioncommand.NewDeactivateGoodCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe[redemptioncommand.DeleteGoodMessage](adapter, redemptioncommand.NewDeleteGoodCommand(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.ListGoodsMessage, []core.GoodSummary](
				adapter, redemptionquery.NewListGoodsQuery(svc), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribeQuery[redemptionquery.SystemStatusMessage, core.SystemStatus](
				adapter, redemptionquery.NewSystemStatusQuery(svc), runnerOpts...))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			reg.Unsubscribe()
			return nil, err
		}
	}
	return reg, nil
}
