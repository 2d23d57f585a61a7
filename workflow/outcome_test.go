package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeJSON(t *testing.T) {
	out := &Outcome{State: StateAwaitingInput, Accepted: true, FlowID: "f", NodeID: "n", RunID: 9, Steps: 2}
	out.notice(NoticeChooseOption)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"awaiting_input"`)

	var back Outcome
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *out, back)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"sleeping"}`), &back))
	assert.Equal(t, "state(9)", State(9).String())
}
