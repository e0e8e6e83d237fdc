package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willway/botkeeper/pkg/config"
	"github.com/willway/botkeeper/pkg/logger"
)

// TestRunListenFailureStartsNoWorker 测试管理端口被占用时直接返回且不启动任何 worker
func TestRunListenFailureStartsNoWorker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")
	script := filepath.Join(dir, "run_bot.sh")
	require.NoError(t, os.WriteFile(script, []byte("touch "+marker+"\nexec sleep 30\n"), 0o755))
	cfgPath := filepath.Join(dir, "bot_config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"bot_token":"123:abc","bot_name":"Willway"}`), 0o644))

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	saved := current
	t.Cleanup(func() { current = saved })
	current = app{
		log: logger.Discard(),
		settings: &config.Settings{
			CheckInterval:     time.Hour,
			ReconcileInterval: time.Hour,
			StopTimeout:       time.Second,
			HTTPTimeout:       time.Second,
			APIBaseURL:        "http://127.0.0.1:1",
			IncidentLog:       filepath.Join(dir, "security_incidents.log"),
			WorkerLog:         filepath.Join(dir, "workers.log"),
			LogLevel:          "info",
			Listen:            busy.Addr().String(),
			Bots: []config.Bot{{
				Name:              "main",
				ConfigFile:        cfgPath,
				ScriptFile:        script,
				Interpreter:       "/bin/sh",
				ReconcileInterval: time.Hour,
			}},
		},
	}

	err = runSupervisor(runCmd, nil)
	require.Error(t, err)

	time.Sleep(300 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "worker must not be spawned")
}
