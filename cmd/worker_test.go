package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setWorkerFlags(t *testing.T, id, path string) {
	t.Helper()
	workerTicketID, workerTicketPath = id, path
	t.Cleanup(func() {
		workerTicketID, workerTicketPath, workerTicketFile = "", "", ""
	})
}

func TestWorkerSpawn_Success(t *testing.T) {
	testEnv(t)
	fakeAgent(t, `echo "<promise>I AM DONE</promise>"`+"\n")
	s := startSession(t, "parent")
	ticketDir := filepath.Join(s.SessionDir, "t1")
	require.NoError(t, os.MkdirAll(ticketDir, 0o755))
	setWorkerFlags(t, "t1", ticketDir)

	require.NoError(t, workerSpawnRun(nil, "implement t1"))
	out := stdout()
	assert.Contains(t, out, "exit:0")
	assert.Contains(t, out, "successful")

	logs, err := filepath.Glob(filepath.Join(ticketDir, "worker_session_*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestWorkerSpawn_NoSentinelFails(t *testing.T) {
	testEnv(t)
	fakeAgent(t, "echo working\n")
	s := startSession(t, "parent")
	ticketDir := filepath.Join(s.SessionDir, "t2")
	require.NoError(t, os.MkdirAll(ticketDir, 0o755))
	setWorkerFlags(t, "t2", ticketDir)

	err := workerSpawnRun(nil, "implement t2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, stdout(), "exit:0")
}
