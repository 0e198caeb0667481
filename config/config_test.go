package config

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"p2pstore/crypto/sign"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T, path string) *Config {
	t.Helper()
	cfg := NewEmptyConfig(path)
	key, err := sign.GenerateKey(sign.AlgEd25519, rand.Reader)
	require.NoError(t, err)
	cfg.Node.PrivateKey.PrivateKey = key
	return cfg
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig(t, path)
	cfg.Network.StaticPeers = []string{"10.0.0.1:7700"}
	cfg.Timers.Sweep = Duration(42 * time.Second)
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())

	assert.True(t, loaded.Node.PrivateKey.PublicKey().Equal(cfg.Node.PrivateKey.PublicKey()))
	assert.Equal(t, cfg.NodeID(), loaded.NodeID())
	assert.Equal(t, []string{"10.0.0.1:7700"}, loaded.Network.StaticPeers)
	assert.Equal(t, 42*time.Second, loaded.Timers.Sweep.D())
}

func TestDefaultsNeedAKey(t *testing.T) {
	cfg := NewEmptyConfig("unused")
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	assert.True(t, cfg.NodeID().IsZero())
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]func(c *Config){
		"tracker smaller than store": func(c *Config) { c.Store.TrackerSize = c.Store.Capacity - 1 },
		"default ttl above max":      func(c *Config) { c.Store.DefaultTTL = c.Store.MaxTTL + 1 },
		"short tracker retention":    func(c *Config) { c.Store.TrackerRetention = c.Store.MaxTTL / 2 },
		"retention ignores skew":     func(c *Config) { c.Store.TrackerRetention = c.Store.MaxTTL },
		"negative clock skew":        func(c *Config) { c.Store.ClockSkew = -1 },
		"refresh slower than ttl":    func(c *Config) { c.Timers.Refresh = c.Store.DefaultTTL },
		"no listen address":          func(c *Config) { c.Network.ListenAddress = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t, "unused")
			require.NoError(t, cfg.Validate())
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
