package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/remote/remotetest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.UserID = "user-1"
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func TestNew_WiresComponents(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Queue)
	assert.NotNil(t, a.Scheduler)
	assert.True(t, a.Monitor.Online())

	// the queue can replay what the client knows how to send
	ctx := context.Background()
	_, err = a.Queue.Enqueue(ctx, models.ActionCreateTask, map[string]interface{}{"id": "t1", "title": "Pack bags"})
	require.NoError(t, err)
	report, err := a.Queue.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
}

func TestNew_BadDataDir(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	cfg.DataDir = filepath.Join(file, "nested")

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestServeListener_StopsOnCancel(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln, mux, "") }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/ping")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))
	require.Eventually(t, a.Scheduler.IsRunning, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeListener did not return after cancel")
	}
	assert.False(t, a.Scheduler.IsRunning())
}

func TestSetupLogging_File(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogFile = "tempo.log"

	closer := SetupLogging(cfg)
	logging.Info("log file check", nil)
	require.NoError(t, closer.Close())
	t.Cleanup(func() { logging.Get().SetOutput(os.Stderr) })

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "tempo.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "log file check")
}
