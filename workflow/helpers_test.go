package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/storage"
	"github.com/songzhibin97/chatflow-engine/types"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

var errSend = errors.New("gateway unavailable")

// testGateway records messages and can be told to fail the next sends of a kind.
type testGateway struct {
	*gateway.Recorder
	mu       sync.Mutex
	failures map[gateway.MessageKind]int
}

func newTestGateway() *testGateway {
	return &testGateway{
		Recorder: gateway.NewRecorder(zerolog.Nop()),
		failures: make(map[gateway.MessageKind]int),
	}
}

func (g *testGateway) failNext(kind gateway.MessageKind, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[kind] = n
}

func (g *testGateway) check(kind gateway.MessageKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures[kind] > 0 {
		g.failures[kind]--
		return errSend
	}
	return nil
}

func (g *testGateway) SendText(ctx context.Context, userID, text string) error {
	if err := g.check(gateway.KindText); err != nil {
		return err
	}
	return g.Recorder.SendText(ctx, userID, text)
}

func (g *testGateway) SendPhoto(ctx context.Context, userID, url, caption string) error {
	if err := g.check(gateway.KindPhoto); err != nil {
		return err
	}
	return g.Recorder.SendPhoto(ctx, userID, url, caption)
}

func (g *testGateway) SendVideo(ctx context.Context, userID, url, caption string) error {
	if err := g.check(gateway.KindVideo); err != nil {
		return err
	}
	return g.Recorder.SendVideo(ctx, userID, url, caption)
}

func (g *testGateway) SendChoiceMenu(ctx context.Context, userID, text string, choices []types.Choice) error {
	if err := g.check(gateway.KindChoice); err != nil {
		return err
	}
	return g.Recorder.SendChoiceMenu(ctx, userID, text, choices)
}

// texts drains the user's queue and returns the text of every message.
func (g *testGateway) texts(userID string) []string {
	var out []string
	for _, m := range g.Drain(userID) {
		out = append(out, m.Text)
	}
	return out
}

// hookExecutor calls hook before delegating, to inject delays or panics.
type hookExecutor struct {
	NodeExecutor
	hook func(userID string, node types.Node)
}

func (h hookExecutor) Execute(ctx context.Context, userID string, node types.Node, runCtx map[string]interface{}) (types.Directive, bool, error) {
	h.hook(userID, node)
	return h.NodeExecutor.Execute(ctx, userID, node, runCtx)
}

// recordingSessions remembers every context merge.
type recordingSessions struct {
	storage.SessionStore
	mu     sync.Mutex
	merges []map[string]interface{}
}

func (r *recordingSessions) MergeContext(ctx context.Context, userID string, partial map[string]interface{}) error {
	r.mu.Lock()
	r.merges = append(r.merges, partial)
	r.mu.Unlock()
	return r.SessionStore.MergeContext(ctx, userID, partial)
}

type harness struct {
	engine   *Engine
	store    *storage.MemoryStorage
	sessions *recordingSessions
	gw       *testGateway
}

func newHarness(t *testing.T, flow types.Flow, opts ...Option) *harness {
	return newHarnessWith(t, flow, nil, nil, opts...)
}

// newHarnessWith builds an engine over a memory store seeded with flow. wrap,
// when set, decorates the executor.
func newHarnessWith(t *testing.T, flow types.Flow, execOpts []ExecutorOption, wrap func(NodeExecutor) NodeExecutor, opts ...Option) *harness {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveFlow(context.Background(), flow))

	gw := newTestGateway()
	var executor NodeExecutor = NewExecutor(gw, nil, execOpts...)
	if wrap != nil {
		executor = wrap(executor)
	}
	sessions := &recordingSessions{SessionStore: store}

	engine, err := NewEngine(&MockGenerator{}, store, sessions, executor, append([]Option{WithBotID(1)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return &harness{engine: engine, store: store, sessions: sessions, gw: gw}
}

func (h *harness) session(t *testing.T, userID string) (types.Session, bool) {
	t.Helper()
	sess, ok, err := h.engine.Session(context.Background(), userID)
	require.NoError(t, err)
	return sess, ok
}

func node(id string, typ types.NodeType, data map[string]interface{}) types.Node {
	return types.Node{ID: id, Type: typ, Data: data}
}

func edge(source, target string) types.Edge {
	return types.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func edgeVia(source, target, handle string) types.Edge {
	e := edge(source, target)
	e.SourceHandle = handle
	return e
}

func buttons(labels ...string) map[string]interface{} {
	list := make([]interface{}, len(labels))
	for i, l := range labels {
		list[i] = map[string]interface{}{"text": l, "value": strings.ToLower(l)}
	}
	return map[string]interface{}{"buttons": list}
}

func flowOf(nodes []types.Node, edges []types.Edge) types.Flow {
	return types.Flow{ID: "welcome", BotID: 1, Name: "Welcome", IsActive: true, Nodes: nodes, Edges: edges}
}

// scenarioFlow is start -> S1 message("Hi") -> S2 buttons(Yes, No).
func scenarioFlow() types.Flow {
	return flowOf(
		[]types.Node{
			node("start", types.NodeTypeStart, nil),
			node("S1", types.NodeTypeMessage, map[string]interface{}{"text": "Hi"}),
			node("S2", types.NodeTypeButtons, buttons("Yes", "No")),
		},
		[]types.Edge{edge("start", "S1"), edge("S1", "S2")},
	)
}
