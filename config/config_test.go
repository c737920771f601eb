package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/routing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Enabled)
	assert.Equal(t, dht.Inactive, cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.Bootstrap.PingTimeout)
	assert.Equal(t, 60*time.Second, cfg.Bootstrap.JoinTimeout)
	assert.Equal(t, 50, cfg.Bootstrap.MaxCandidates)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dht.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: passive
local_addr: 192.0.2.10:6346
firewalled: true
bootstrap:
  ping_timeout: 5s
  fallback_hosts:
    - 198.51.100.7:6346
fetcher:
  period: 1m
pusher:
  enabled: false
store:
  path: /var/lib/limedht
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dht.Passive, cfg.Mode)
	assert.True(t, cfg.Firewalled)
	assert.Equal(t, 5*time.Second, cfg.Bootstrap.PingTimeout)
	assert.Equal(t, 60*time.Second, cfg.Bootstrap.JoinTimeout, "omitted field keeps default")
	assert.Equal(t, []string{"198.51.100.7:6346"}, cfg.Bootstrap.FallbackHosts)
	assert.Equal(t, time.Minute, cfg.Fetcher.Period)
	assert.Equal(t, 0.2, cfg.Fetcher.Jitter)
	assert.False(t, cfg.Pusher.Enabled)
	assert.Equal(t, "/var/lib/limedht", cfg.Store.Path)
	assert.Equal(t, 40, cfg.Store.MaxContacts)

	id := routing.RandomKUID()
	ctrl := cfg.Controller(id)
	assert.Equal(t, id, ctrl.LocalID)
	assert.Equal(t, "192.0.2.10:6346", ctrl.Addr.String())
	assert.True(t, ctrl.Firewalled)
	assert.Equal(t, cfg.Bootstrap, ctrl.Bootstrap)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.LocalAddr = "not-an-address"
	cfg.Bootstrap.PingTimeout = 0
	cfg.RouteTable.K = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_addr")
	assert.Contains(t, err.Error(), "ping_timeout")
	assert.Contains(t, err.Error(), "routing: k")
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]byte("mode: FULL\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshalRoundTripsThroughParse(t *testing.T) {
	cfg := Default()
	cfg.Mode = dht.PassiveLeaf
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "mode: PASSIVE_LEAF")

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, dht.PassiveLeaf, parsed.Mode)
}
