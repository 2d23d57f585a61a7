package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/events"
	"github.com/songzhibin97/chatflow-engine/storage"
	"github.com/songzhibin97/chatflow-engine/types"
	"github.com/songzhibin97/gkit/generator"
)

// DefaultMaxStepsFactor multiplies the node count of a flow to give the number
// of nodes one inbound event may execute.
const DefaultMaxStepsFactor = 4

// Engine walks flows on behalf of users. Events of one user are serialised;
// events of different users run concurrently.
type Engine struct {
	flows    storage.FlowStore
	sessions storage.SessionStore
	executor NodeExecutor
	generate generator.Generator
	eventBus *events.EventBus
	logger   zerolog.Logger
	locks    *userLocks
	locker   storage.DistributedLocker

	botID          int64
	maxStepsFactor int
	maxRetries     int
	retryDelay     time.Duration

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventBus publishes lifecycle events to bus. The engine does not stop it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithLocker adds a distributed lock around each user's events, for running
// several engines against one session store.
func WithLocker(locker storage.DistributedLocker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithBotID selects whose active flow a start event launches.
func WithBotID(botID int64) Option {
	return func(e *Engine) { e.botID = botID }
}

// WithMaxStepsFactor sets the cycle guard factor. Values below 1 are ignored.
func WithMaxStepsFactor(factor int) Option {
	return func(e *Engine) {
		if factor >= 1 {
			e.maxStepsFactor = factor
		}
	}
}

// WithRetry retries a failed node execution up to maxRetries times.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.retryDelay = delay
	}
}

// NewEngine creates an Engine. A nil session store keeps sessions in memory.
func NewEngine(generate generator.Generator, flows storage.FlowStore, sessions storage.SessionStore, executor NodeExecutor, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, ErrGeneratorRequired
	}
	if flows == nil || executor == nil {
		return nil, errors.New("flow store and executor are required")
	}
	if sessions == nil {
		sessions = storage.NewMemoryStorage()
	}

	e := &Engine{
		flows:          flows,
		sessions:       sessions,
		executor:       executor,
		generate:       generate,
		logger:         zerolog.Nop(),
		maxStepsFactor: DefaultMaxStepsFactor,
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.locks = newUserLocks(e.logger)
	e.locks.distributed = e.locker
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// OnStart launches the bot's active flow for the user, restarting any run in
// progress.
func (e *Engine) OnStart(ctx context.Context, userID string) (*Outcome, error) {
	return e.withUser(ctx, userID, func(ctx context.Context) (*Outcome, error) {
		return e.start(ctx, userID)
	})
}

// OnText handles free text. "/start" is routed to OnStart; anything else is
// answered with a notice and never moves the conversation.
func (e *Engine) OnText(ctx context.Context, userID, text string) (*Outcome, error) {
	if isStartCommand(text) {
		return e.OnStart(ctx, userID)
	}
	return e.withUser(ctx, userID, func(ctx context.Context) (*Outcome, error) {
		out := &Outcome{}
		sess, ok, err := e.loadSession(ctx, userID)
		if err != nil || !ok {
			return out.notice(NoticeSendStart), err
		}
		out.at(sess)
		if e.hasPendingResume(userID) {
			return out.notice(NoticePleaseWait), nil
		}
		return out.notice(NoticeChooseOption), nil
	})
}

// OnCallback handles a button press carrying token.
func (e *Engine) OnCallback(ctx context.Context, userID, token string) (*Outcome, error) {
	return e.withUser(ctx, userID, func(ctx context.Context) (*Outcome, error) {
		return e.callback(ctx, userID, token)
	})
}

// Session returns the user's session; ok is false when the user is idle.
func (e *Engine) Session(ctx context.Context, userID string) (sess types.Session, ok bool, err error) {
	return e.loadSession(ctx, userID)
}

// Stop cancels pending delay resumes.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.timersMu.Lock()
	e.closed = true
	for userID, t := range e.timers {
		t.Stop()
		delete(e.timers, userID)
	}
	e.timersMu.Unlock()
	e.cancel()
	return nil
}

func (e *Engine) withUser(ctx context.Context, userID string, fn func(context.Context) (*Outcome, error)) (*Outcome, error) {
	var out *Outcome
	err := e.locks.with(ctx, userID, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if out == nil {
		out = &Outcome{}
	}
	return out, err
}

func (e *Engine) start(ctx context.Context, userID string) (*Outcome, error) {
	out := &Outcome{}
	prev, hadSession, err := e.loadSession(ctx, userID)
	if err != nil {
		return out, err
	}
	if hadSession {
		out.at(prev)
	}

	flow, err := e.flows.GetActiveFlow(ctx, e.botID)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveFlow) || errors.Is(err, storage.ErrFlowNotFound) {
			e.logger.Warn().Str("user_id", userID).Int64("bot_id", e.botID).Msg("no active flow")
			return out.notice(NoticeNoActiveFlow), fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return out.notice(NoticeFlowLoadFailed), fmt.Errorf("failed to load active flow: %w", err)
	}

	startNode, ok := flow.StartNode()
	if !ok {
		if hadSession {
			if err := e.clear(ctx, userID); err != nil {
				return out, err
			}
		}
		out.State, out.FlowID, out.NodeID = StateTerminal, flow.ID, ""
		e.logger.Warn().Str("user_id", userID).Str("flow_id", flow.ID).Msg("flow has no start node")
		e.publish(ctx, events.Event{Type: events.FlowFailed, UserID: userID, FlowID: flow.ID,
			Data: map[string]interface{}{"reason": "no_start_node"}})
		return out.notice(NoticeNoStartNode), nil
	}

	runID, err := e.generate.NextID()
	if err != nil {
		return out, fmt.Errorf("failed to generate run id: %w", err)
	}
	if hadSession {
		e.cancelResume(userID)
		e.logger.Info().Str("user_id", userID).Str("flow_id", prev.FlowID).Str("node_id", prev.CurrentNodeID).
			Msg("restarting flow")
	}

	sess := types.Session{
		UserID:        userID,
		FlowID:        flow.ID,
		CurrentNodeID: startNode.ID,
		RunID:         runID,
		Context:       make(map[string]interface{}),
	}
	out.Accepted = true
	e.publish(ctx, sessionEvent(events.SessionStarted, &sess, nil))
	return e.drive(ctx, flow, &sess, types.Goto(startNode.ID, nil), out, hadSession)
}

func (e *Engine) callback(ctx context.Context, userID, token string) (*Outcome, error) {
	out := &Outcome{}
	sess, ok, err := e.loadSession(ctx, userID)
	if err != nil {
		return out, err
	}
	if ok {
		out.at(sess)
	}

	nodeID, index, err := types.DecodeChoiceToken(token)
	if err != nil {
		return e.reject(ctx, userID, out, NoticeMalformedToken, fmt.Errorf("%w: %w", ErrInvalidCallback, err))
	}
	if !ok || sess.CurrentNodeID != nodeID {
		return e.reject(ctx, userID, out, NoticeStaleButton,
			fmt.Errorf("%w: stale callback for node %s", ErrInvalidCallback, nodeID))
	}

	flow, err := e.loadFlow(ctx, sess.FlowID, out)
	if err != nil {
		return out, err
	}
	node, found := flow.Node(nodeID)
	if !found {
		return e.mismatch(ctx, &sess, out, nodeID)
	}
	c, err := resolveChoice(node, index)
	if err != nil {
		return e.reject(ctx, userID, out, NoticeInvalidChoice, err)
	}

	patch := c.context()
	if err := e.sessions.MergeContext(ctx, userID, patch); err != nil {
		return out, fmt.Errorf("failed to record choice of %s: %w", userID, err)
	}
	sess.Context = types.MergeContext(sess.Context, patch)
	out.Accepted = true
	out.notice(noticeAccepted(c.button.Label()))

	out, err = e.drive(ctx, flow, &sess, choiceDirective(flow, nodeID, c), out, true)
	if err == nil && out.State == StateTerminal {
		out.notice(NoticeCompleted)
	}
	return out, err
}

// resume continues a run parked at a delay node. It does nothing when the
// user has moved on since the delay was scheduled.
func (e *Engine) resume(ctx context.Context, userID string, runID uint64, nodeID string) (*Outcome, error) {
	return e.withUser(ctx, userID, func(ctx context.Context) (*Outcome, error) {
		out := &Outcome{}
		sess, ok, err := e.loadSession(ctx, userID)
		if err != nil {
			return out, err
		}
		if !ok || sess.RunID != runID || sess.CurrentNodeID != nodeID {
			e.logger.Debug().Str("user_id", userID).Str("node_id", nodeID).Msg("stale delay resume ignored")
			if ok {
				out.at(sess)
			}
			return out, nil
		}
		out.at(sess)

		flow, err := e.loadFlow(ctx, sess.FlowID, out)
		if err != nil {
			return out, err
		}
		if _, found := flow.Node(nodeID); !found {
			return e.mismatch(ctx, &sess, out, nodeID)
		}
		out.Accepted = true
		return e.drive(ctx, flow, &sess, types.AutoAdvance(nil), out, true)
	})
}

// drive applies d and keeps executing nodes until the run waits for input,
// ends, or fails. Each node's side effect happens before the session moves to
// it, so a failed send leaves the user at the previous node. persisted tells
// whether a session for the user is already stored.
func (e *Engine) drive(ctx context.Context, flow types.Flow, sess *types.Session, d types.Directive, out *Outcome, persisted bool) (*Outcome, error) {
	budget := len(flow.Nodes) * e.maxStepsFactor
	out.State, out.FlowID, out.RunID = StateRunning, flow.ID, sess.RunID
	log := e.logger.With().Str("user_id", sess.UserID).Str("flow_id", flow.ID).Uint64("run_id", sess.RunID).Logger()

	for {
		var target string
		switch d.Kind {
		case types.DirectiveWaitForInput:
			out.State, out.NodeID = StateAwaitingInput, sess.CurrentNodeID
			if d.Resume > 0 {
				e.scheduleResume(*sess, d.Resume)
			}
			e.publish(ctx, sessionEvent(events.AwaitingInput, sess, nil))
			return out, nil
		case types.DirectiveTerminate:
			return e.complete(ctx, sess, out)
		case types.DirectiveGoto:
			target = d.Target
		default:
			edge, ok := pickEdge(flow.OutgoingEdges(sess.CurrentNodeID), d.Handle)
			if !ok {
				return e.complete(ctx, sess, out)
			}
			target = edge.Target
		}

		node, ok := flow.Node(target)
		if !ok {
			return e.mismatch(ctx, sess, out, target)
		}
		if out.Steps >= budget {
			return e.overflow(ctx, sess, out, budget)
		}
		out.Steps++

		next, sent, err := e.execute(ctx, sess, node)
		if err != nil {
			out.State, out.NodeID = StateIdle, ""
			if persisted {
				out.State, out.NodeID = StateAwaitingInput, sess.CurrentNodeID
			}
			log.Error().Err(err).Str("node_id", node.ID).Msg("node side effect failed, position kept")
			e.publish(ctx, sessionEvent(events.FlowFailed, sess, map[string]interface{}{
				"reason": "side_effect", "failed_node_id": node.ID,
			}))
			return out, fmt.Errorf("%w: node %s: %w", ErrSideEffectFailure, node.ID, err)
		}

		sess.CurrentNodeID = node.ID
		sess.Context = types.MergeContext(sess.Context, next.Context)
		if err := e.sessions.SetSession(ctx, *sess); err != nil {
			return out, fmt.Errorf("failed to save session of %s: %w", sess.UserID, err)
		}
		persisted = true
		out.NodeID = node.ID
		log.Debug().Str("node_id", node.ID).Str("directive", next.Kind.String()).Bool("sent", sent).Msg("node executed")
		e.publish(ctx, sessionEvent(events.NodeExecuted, sess, map[string]interface{}{
			"node_type": string(node.Kind()),
			"directive": next.Kind.String(),
			"sent":      sent,
		}))
		d = next
	}
}

// execute runs the node with retries. A panicking executor counts as a
// failed side effect.
func (e *Engine) execute(ctx context.Context, sess *types.Session, node types.Node) (d types.Directive, sent bool, err error) {
	runCtx := types.CloneContext(sess.Context)
	for attempt := 0; ; attempt++ {
		d, sent, err = e.safeExecute(ctx, sess.UserID, node, runCtx)
		if err == nil || attempt >= e.maxRetries {
			return d, sent, err
		}
		e.logger.Warn().Err(err).Str("user_id", sess.UserID).Str("node_id", node.ID).Int("attempt", attempt+1).
			Msg("retrying node")
		select {
		case <-ctx.Done():
			return d, sent, err
		case <-time.After(e.retryDelay):
		}
	}
}

func (e *Engine) safeExecute(ctx context.Context, userID string, node types.Node, runCtx map[string]interface{}) (d types.Directive, sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, sent, err = types.Directive{}, false, fmt.Errorf("node %s panicked: %v", node.ID, r)
		}
	}()
	return e.executor.Execute(ctx, userID, node, runCtx)
}

func (e *Engine) complete(ctx context.Context, sess *types.Session, out *Outcome) (*Outcome, error) {
	if err := e.clear(ctx, sess.UserID); err != nil {
		return out, err
	}
	out.State, out.NodeID = StateTerminal, sess.CurrentNodeID
	e.publish(ctx, sessionEvent(events.FlowCompleted, sess, nil))
	return out, nil
}

func (e *Engine) overflow(ctx context.Context, sess *types.Session, out *Outcome, budget int) (*Outcome, error) {
	if err := e.clear(ctx, sess.UserID); err != nil {
		return out, err
	}
	out.State, out.NodeID = StateTerminal, sess.CurrentNodeID
	e.logger.Warn().Str("user_id", sess.UserID).Str("flow_id", sess.FlowID).Str("node_id", sess.CurrentNodeID).
		Int("budget", budget).Msg("step budget exhausted, flow is cyclic")
	e.publish(ctx, sessionEvent(events.FlowFailed, sess, map[string]interface{}{"reason": "cycle_overflow"}))
	out.notice(NoticeCannotContinue)
	return out, fmt.Errorf("%w: %d steps in flow %s", ErrCycleOverflow, budget, sess.FlowID)
}

func (e *Engine) mismatch(ctx context.Context, sess *types.Session, out *Outcome, nodeID string) (*Outcome, error) {
	if err := e.clear(ctx, sess.UserID); err != nil {
		return out, err
	}
	out.State, out.NodeID = StateTerminal, ""
	e.logger.Warn().Str("user_id", sess.UserID).Str("flow_id", sess.FlowID).Str("node_id", nodeID).
		Msg("flow has no such node, session cleared")
	e.publish(ctx, sessionEvent(events.FlowFailed, sess, map[string]interface{}{
		"reason": "graph_mismatch", "missing_node_id": nodeID,
	}))
	out.notice(NoticeFlowChanged)
	return out, fmt.Errorf("%w: node %s in flow %s", ErrGraphMismatch, nodeID, sess.FlowID)
}

func (e *Engine) reject(ctx context.Context, userID string, out *Outcome, notice string, err error) (*Outcome, error) {
	e.logger.Warn().Err(err).Str("user_id", userID).Msg("callback rejected")
	e.publish(ctx, events.Event{Type: events.CallbackRejected, UserID: userID, FlowID: out.FlowID, NodeID: out.NodeID,
		Data: map[string]interface{}{"notice": notice}})
	return out.notice(notice), err
}

func (e *Engine) clear(ctx context.Context, userID string) error {
	e.cancelResume(userID)
	if err := e.sessions.ClearSession(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear session of %s: %w", userID, err)
	}
	return nil
}

func (e *Engine) loadSession(ctx context.Context, userID string) (types.Session, bool, error) {
	sess, err := e.sessions.GetSession(ctx, userID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return types.Session{}, false, nil
	}
	if err != nil {
		return types.Session{}, false, fmt.Errorf("failed to load session of %s: %w", userID, err)
	}
	return sess, true, nil
}

func (e *Engine) loadFlow(ctx context.Context, flowID string, out *Outcome) (types.Flow, error) {
	flow, err := e.flows.GetFlow(ctx, flowID)
	if err == nil {
		return flow, nil
	}
	out.notice(NoticeFlowLoadFailed)
	if errors.Is(err, storage.ErrFlowNotFound) {
		return flow, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return flow, fmt.Errorf("failed to load flow %s: %w", flowID, err)
}

func (e *Engine) scheduleResume(sess types.Session, after time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[sess.UserID]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(after, func() {
		e.timersMu.Lock()
		if e.timers[sess.UserID] == t {
			delete(e.timers, sess.UserID)
		}
		e.timersMu.Unlock()

		if _, err := e.resume(e.ctx, sess.UserID, sess.RunID, sess.CurrentNodeID); err != nil {
			e.logger.Error().Err(err).Str("user_id", sess.UserID).Str("node_id", sess.CurrentNodeID).
				Msg("delayed resume failed")
		}
	})
	e.timers[sess.UserID] = t
}

func (e *Engine) cancelResume(userID string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if t, ok := e.timers[userID]; ok {
		t.Stop()
		delete(e.timers, userID)
	}
}

func (e *Engine) hasPendingResume(userID string) bool {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	_, ok := e.timers[userID]
	return ok
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.eventBus == nil || !e.eventBus.HasSubscribers(ev.Type) {
		return
	}
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Debug().Err(err).Str("event", ev.Type).Msg("event dropped")
	}
}

func sessionEvent(typ string, sess *types.Session, data map[string]interface{}) events.Event {
	return events.Event{
		Type:   typ,
		UserID: sess.UserID,
		FlowID: sess.FlowID,
		NodeID: sess.CurrentNodeID,
		RunID:  sess.RunID,
		Data:   data,
	}
}

func isStartCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && (fields[0] == "/start" || strings.HasPrefix(fields[0], "/start@"))
}
