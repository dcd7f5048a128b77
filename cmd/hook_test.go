package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pickle/internal/hook"
	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/store"
	"github.com/joescharf/pickle/internal/worker"
)

func runHook(t *testing.T, name, stdin string) hook.Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, hookRun(context.Background(), name, strings.NewReader(stdin), &out))
	var resp hook.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func TestHook_NoSessionAllows(t *testing.T) {
	testEnv(t)
	t.Setenv(worker.EnvStateFile, "")
	t.Setenv(worker.EnvRole, "")

	assert.Equal(t, hook.DecisionAllow, runHook(t, "stop", `{}`).Decision)
	assert.Equal(t, hook.DecisionAllow, runHook(t, "no-such-hook", `{}`).Decision)
}

func TestHook_StopBlocksAndRecords(t *testing.T) {
	testEnv(t)
	t.Setenv(worker.EnvStateFile, "")
	t.Setenv(worker.EnvRole, "")
	s := startSession(t, "keep going")

	resp := runHook(t, "stop", `{"prompt_response":"still working"}`)
	assert.Equal(t, hook.DecisionBlock, resp.Decision)

	l, err := getLedger(context.Background())
	require.NoError(t, err)
	events, err := l.ListEvents(context.Background(), store.EventFilter{SessionID: s.ID(), Kind: models.EventKindHook})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "stop", events[0].Name)
	assert.Equal(t, "block", events[0].Decision)
}

func TestHookCommand_BadArityAllows(t *testing.T) {
	testEnv(t)
	t.Setenv(worker.EnvStateFile, "")
	t.Setenv(worker.EnvRole, "")
	startSession(t, "keep going")

	for _, args := range [][]string{nil, {"stop", "extra"}} {
		var out bytes.Buffer
		hookCmd.SetIn(strings.NewReader(`{"prompt_response":"still working"}`))
		hookCmd.SetOut(&out)
		require.NoError(t, hookCmd.Args(hookCmd, args))
		require.NoError(t, hookCmd.RunE(hookCmd, args))

		var resp hook.Response
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "args %v", args)
		assert.Equal(t, hook.DecisionAllow, resp.Decision, "args %v", args)
	}
	hookCmd.SetIn(nil)
	hookCmd.SetOut(nil)
}
