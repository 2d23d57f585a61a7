package workflow

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/rules"
	"github.com/songzhibin97/chatflow-engine/types"
)

// NodeExecutor performs the side effect of one node and decides the
// transition. sent reports whether a message went out; a non-nil error means
// nothing was delivered and the run must not advance.
type NodeExecutor interface {
	Execute(ctx context.Context, userID string, node types.Node, runCtx map[string]interface{}) (d types.Directive, sent bool, err error)
}

// Executor is the NodeExecutor for the built-in node types.
type Executor struct {
	gateway        gateway.Gateway
	evaluator      rules.Evaluator
	logger         zerolog.Logger
	scheduleDelays bool
}

var _ NodeExecutor = (*Executor)(nil)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = logger }
}

// WithDelayScheduling makes delay nodes suspend the run and ask the engine for
// a deferred resume instead of advancing immediately.
func WithDelayScheduling(enabled bool) ExecutorOption {
	return func(x *Executor) { x.scheduleDelays = enabled }
}

// NewExecutor creates an Executor sending through gw. A nil evaluator gets
// the expr evaluator.
func NewExecutor(gw gateway.Gateway, evaluator rules.Evaluator, opts ...ExecutorOption) *Executor {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	x := &Executor{gateway: gw, evaluator: evaluator, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute implements NodeExecutor.
func (x *Executor) Execute(ctx context.Context, userID string, node types.Node, runCtx map[string]interface{}) (types.Directive, bool, error) {
	log := x.logger.With().Str("user_id", userID).Str("node_id", node.ID).Str("node_type", string(node.Type)).Logger()

	p, err := node.Payload()
	if err != nil {
		// A broken payload must not strand the user.
		log.Warn().Err(err).Msg("undecodable node payload, advancing")
		return types.AutoAdvance(nil), false, nil
	}

	switch p := p.(type) {
	case types.StartPayload:
		return types.AutoAdvance(nil), false, nil

	case types.MessagePayload:
		if err := x.gateway.SendText(ctx, userID, p.Body()); err != nil {
			return types.Directive{}, false, err
		}
		return types.AutoAdvance(nil), true, nil

	case types.MediaPayload:
		kind, url := p.Resolve()
		if url == "" {
			log.Warn().Str("media", string(kind)).Msg("media node has no url, skipping")
			return types.AutoAdvance(nil), false, nil
		}
		send := x.gateway.SendPhoto
		if kind == types.MediaVideo {
			send = x.gateway.SendVideo
		}
		if err := send(ctx, userID, url, p.Caption); err != nil {
			return types.Directive{}, false, err
		}
		return types.AutoAdvance(nil), true, nil

	case types.ButtonsPayload:
		if len(p.Buttons) == 0 {
			if err := x.gateway.SendText(ctx, userID, p.Prompt()); err != nil {
				return types.Directive{}, false, err
			}
			return types.AutoAdvance(nil), true, nil
		}
		choices := make([]types.Choice, len(p.Buttons))
		for i, b := range p.Buttons {
			choices[i] = types.Choice{Label: b.Label(), Token: types.EncodeChoiceToken(node.ID, i)}
		}
		if err := x.gateway.SendChoiceMenu(ctx, userID, p.Prompt(), choices); err != nil {
			return types.Directive{}, false, err
		}
		return types.WaitForInput(nil), true, nil

	case types.ConditionPayload:
		if p.Expression == "" {
			return types.AutoAdvance(nil), false, nil
		}
		ok, err := x.evaluator.Evaluate(p.Expression, runCtx)
		if err != nil {
			log.Warn().Err(err).Str("expression", p.Expression).Msg("condition failed, taking the false branch")
			ok = false
		}
		return types.AdvanceVia(strconv.FormatBool(ok), nil), false, nil

	case types.DelayPayload:
		if d := p.Duration(); x.scheduleDelays && d > 0 {
			return types.Directive{Kind: types.DirectiveWaitForInput, Resume: d}, false, nil
		}
		return types.AutoAdvance(nil), false, nil

	default:
		log.Debug().Msg("unknown node type, advancing")
		return types.AutoAdvance(nil), false, nil
	}
}
