package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuye/metingbot/internal/config"
	"github.com/chuye/metingbot/internal/logger"
	"github.com/chuye/metingbot/pkg/meting"
	"github.com/chuye/metingbot/pkg/scratch"
	"github.com/chuye/metingbot/pkg/session"
)

func setupTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.API.URL = "http://meting.example"

	log, err := logger.New(logger.Config{Level: "disabled"})
	require.NoError(t, err)

	tracker, err := scratch.NewTracker(t.TempDir())
	require.NoError(t, err)

	return &Daemon{
		config:  cfg,
		logger:  log,
		store:   session.NewStore(session.Source(cfg.API.DefaultSource)),
		tracker: tracker,
		client:  meting.NewClient(cfg.API.URL, cfg.API.ResultCount, log.GetZerolog()),
	}
}

func TestStatusNotRunning(t *testing.T) {
	d := setupTestDaemon(t)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)
	assert.Zero(t, status.Sessions)
}

func TestStatusCountsSessions(t *testing.T) {
	d := setupTestDaemon(t)

	d.store.Touch("1")
	d.store.Touch("2")

	assert.Equal(t, 2, d.Status().Sessions)
}

func TestHousekeepingExpiresSessions(t *testing.T) {
	d := setupTestDaemon(t)
	d.config.Download.SessionMaxAge = "0s"

	d.store.Touch("stale")
	time.Sleep(5 * time.Millisecond)

	d.housekeeping()
	assert.Equal(t, 0, d.store.Len())
}

func TestApplyConfig(t *testing.T) {
	d := setupTestDaemon(t)

	next := config.DefaultConfig()
	next.API.URL = "http://other.example"
	next.API.ResultCount = 20

	d.applyConfig(next)

	assert.Equal(t, "http://other.example", d.config.API.URL)
	assert.Equal(t, 20, d.config.API.ResultCount)
}

func TestApplyConfigNormalizesBadValues(t *testing.T) {
	d := setupTestDaemon(t)

	next := config.DefaultConfig()
	next.API.URL = "http://other.example"
	next.API.ResultCount = 500
	next.API.DefaultSource = "vinyl"

	d.applyConfig(next)

	assert.Equal(t, 10, d.config.API.ResultCount)
	assert.Equal(t, string(session.SourceNetease), d.config.API.DefaultSource)
}

func TestLifecycleManagerPIDFile(t *testing.T) {
	d := setupTestDaemon(t)
	l := NewLifecycleManager(d)

	require.NoError(t, l.Start())

	pidPath := filepath.Join(d.config.DataDir, "metingbot.pid")
	_, err := os.Stat(pidPath)
	require.NoError(t, err)

	pid, err := l.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, l.IsRunning())

	require.NoError(t, l.Stop())
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleManagerStopWithoutStart(t *testing.T) {
	d := setupTestDaemon(t)
	l := NewLifecycleManager(d)

	assert.NoError(t, l.Stop())
}
