package plugin_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippy/relay/internal/relay/plugin"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec spawner test requires a POSIX shell")
	}
}

func TestExecSpawner_CancelIsAlwaysCleanExit(t *testing.T) {
	requireUnix(t)

	spawner := &plugin.ExecSpawner{}
	inst, err := spawner.Spawn(context.Background(), plugin.SpawnArgs{
		ProcessID: "-",
		Host:      "/bin/cat",
		UserID:    "u1",
	})
	require.NoError(t, err)

	inst.Cancel(2 * time.Second)

	select {
	case err := <-inst.Exited():
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("expected exec instance to exit after cancel")
	}
}

func TestExecSpawner_SpawnErrorOnMissingHost(t *testing.T) {
	requireUnix(t)

	spawner := &plugin.ExecSpawner{}
	_, err := spawner.Spawn(context.Background(), plugin.SpawnArgs{
		ProcessID: "nope",
		Host:      "/definitely/not/a/real/binary",
	})
	assert.Error(t, err)
}
