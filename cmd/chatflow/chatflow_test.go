package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/config"
	"github.com/songzhibin97/chatflow-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcomeYAML = `
id: welcome
bot_id: 1
is_active: true
nodes:
  - id: start
    type: input
  - id: hi
    type: textNode
    data:
      text: Hi
  - id: ask
    type: buttonNode
    data:
      text: Ready?
      buttons:
        - text: Yes
          value: yes
        - text: No
          value: no
  - id: check
    type: conditionNode
    data:
      expression: lastChoiceValue == "yes"
  - id: great
    type: textNode
    data:
      text: Great
  - id: sorry
    type: textNode
    data:
      text: Maybe later
edges:
  - {id: e1, source: start, target: hi}
  - {id: e2, source: hi, target: ask}
  - {id: e3, source: ask, target: check}
  - {id: e4, source: check, target: great, sourceHandle: "true"}
  - {id: e5, source: check, target: sorry, sourceHandle: "false"}
`

const brokenYAML = `
id: broken
bot_id: 1
nodes:
  - id: a
    type: textNode
  - id: a
    type: textNode
edges:
  - {id: e1, source: a, target: ghost}
`

func flowDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		BotID:          1,
		LogLevel:       "error",
		LogFormat:      "json",
		LogOutput:      "stderr",
		Store:          config.StoreMemory,
		FlowSource:     config.FlowSourceStore,
		FlowDir:        dir,
		MaxStepsFactor: 4,
		DelayMode:      config.DelaySkip,
	}
}

func TestRunChat(t *testing.T) {
	dir := flowDir(t, map[string]string{"welcome.yaml": welcomeYAML})

	for _, source := range []string{config.FlowSourceStore, config.FlowSourceFile} {
		t.Run(source, func(t *testing.T) {
			cfg := testConfig(dir)
			cfg.FlowSource = source
			var out bytes.Buffer

			err := runChat(context.Background(), cfg, "u1", strings.NewReader("hello\n7\n1\nexit\n"), &out)
			require.NoError(t, err)

			transcript := out.String()
			for _, want := range []string{
				"bot> Hi\n",
				"bot> Ready?\n",
				"     1) Yes\n",
				"     2) No\n",
				"(Please choose one of the options above)",
				"(✅ Yes)",
				"bot> Great\n",
				"(Flow completed)",
				"Bye!",
			} {
				assert.Contains(t, transcript, want)
			}
			assert.NotContains(t, transcript, "Maybe later")
		})
	}
}

func TestRunChatWithoutFlows(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	var out bytes.Buffer

	err := runChat(context.Background(), cfg, "u1", strings.NewReader(""), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(No active flow configured)")
	assert.Contains(t, out.String(), "error: not found")
}

func TestSeedFlows(t *testing.T) {
	dir := flowDir(t, map[string]string{
		"a-broken.yaml":  brokenYAML,
		"b-welcome.yaml": welcomeYAML,
	})
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	n, err := seedFlows(ctx, store, storage.NewFileFlowStore(dir), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetFlow(ctx, "broken")
	assert.ErrorIs(t, err, storage.ErrFlowNotFound)
	flow, err := store.GetActiveFlow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "welcome", flow.ID)
}

func TestRunValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		dir := flowDir(t, map[string]string{"welcome.yaml": welcomeYAML, "readme.md": "skip"})
		var out bytes.Buffer
		require.NoError(t, runValidate(&out, []string{dir}))
		assert.Contains(t, out.String(), "✅")
		assert.Contains(t, out.String(), "flow welcome, 6 nodes, 5 edges")
	})

	t.Run("invalid", func(t *testing.T) {
		dir := flowDir(t, map[string]string{"broken.yaml": brokenYAML, "welcome.yaml": welcomeYAML})
		var out bytes.Buffer
		err := runValidate(&out, []string{dir})
		assert.ErrorIs(t, err, errInvalidFlows)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, out.String(), "duplicate node ID")
		assert.Contains(t, out.String(), `unknown target "ghost"`)
		assert.Contains(t, out.String(), "no start node")
	})

	t.Run("single file and errors", func(t *testing.T) {
		dir := flowDir(t, map[string]string{"welcome.yaml": welcomeYAML, "bad.json": "{"})
		var out bytes.Buffer
		require.NoError(t, runValidate(&out, []string{filepath.Join(dir, "welcome.yaml")}))

		err := runValidate(&out, []string{filepath.Join(dir, "bad.json")})
		assert.ErrorIs(t, err, errInvalidFlows)

		err = runValidate(&out, []string{filepath.Join(dir, "nope")})
		assert.Error(t, err)

		err = runValidate(&out, []string{t.TempDir()})
		assert.ErrorContains(t, err, "no flow documents")
	})
}
