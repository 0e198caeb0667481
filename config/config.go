package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"p2pstore/oid"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as a string like "90s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of a store node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		PrivateKey PrivKey `json:"private_key"`
	} `json:"node"`

	Network struct {
		ListenAddress     string   `json:"listen"`
		AdvertisedAddress string   `json:"advertised_address,omitempty"` // Overrides interface enumeration
		StaticPeers       []string `json:"peers,omitempty"`
		MulticastGroup    string   `json:"multicast_group,omitempty"` // Empty disables LAN discovery
		ControlAddress    string   `json:"control"`
		MetricsAddress    string   `json:"metrics,omitempty"` // Empty disables the metrics endpoint
		DialTimeout       Duration `json:"dial_timeout"`
		QueueSize         int      `json:"queue_size"`
		MaxPeers          int      `json:"max_peers"`
	} `json:"network"`

	Store struct {
		Capacity          int      `json:"capacity"`
		MaxPayloadSize    int      `json:"max_payload_size"`
		MaxTTL            Duration `json:"max_ttl"`
		ClockSkew         Duration `json:"clock_skew"` // Tolerated lead of remote clocks
		DefaultTTL        Duration `json:"default_ttl"`
		TrackerSize       int      `json:"tracker_size"`
		TrackerRetention  Duration `json:"tracker_retention"`
		DedupSize         int      `json:"dedup_size"`
		SnapshotChunkSize int      `json:"snapshot_chunk_size"`
	} `json:"store"`

	Timers struct {
		Sweep    Duration `json:"sweep"`
		Persist  Duration `json:"persist"`
		Refresh  Duration `json:"refresh"`
		Announce Duration `json:"announce"`
		Redial   Duration `json:"redial"`
		Jitter   Duration `json:"jitter"`
	} `json:"timers"`

	DataStore struct {
		EntryIndexPath string `json:"entries"`
		NodeIndexPath  string `json:"nodes"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.ListenAddress = ":7700"
	cfg.Network.MulticastGroup = "224.0.0.177:7701"
	cfg.Network.ControlAddress = "127.0.0.1:7702"
	cfg.Network.DialTimeout = Duration(5 * time.Second)
	cfg.Network.QueueSize = 256
	cfg.Network.MaxPeers = 32

	cfg.Store.Capacity = 100000
	cfg.Store.MaxPayloadSize = 20 * 1024
	cfg.Store.MaxTTL = Duration(10 * 24 * time.Hour)
	cfg.Store.ClockSkew = Duration(30 * time.Second)
	cfg.Store.DefaultTTL = Duration(time.Hour)
	cfg.Store.TrackerSize = 200000
	cfg.Store.TrackerRetention = cfg.Store.MaxTTL + cfg.Store.ClockSkew
	cfg.Store.DedupSize = 16384
	cfg.Store.SnapshotChunkSize = 256

	cfg.Timers.Sweep = Duration(30 * time.Second)
	cfg.Timers.Persist = Duration(time.Minute)
	cfg.Timers.Refresh = Duration(time.Minute)
	cfg.Timers.Announce = Duration(5 * time.Second)
	cfg.Timers.Redial = Duration(30 * time.Second)
	cfg.Timers.Jitter = Duration(time.Second)

	cfg.DataStore.EntryIndexPath = "/tmp/p2pstore/entries"
	cfg.DataStore.NodeIndexPath = "/tmp/p2pstore/nodes"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// File returns the path the config is loaded from and saved to.
func (c *Config) File() string {
	return c.configFile
}

// NodeID identifies the node on the LAN. It is derived from the node's public key.
func (c *Config) NodeID() oid.Oid {
	if !c.Node.PrivateKey.Valid() {
		return oid.Oid{}
	}
	return oid.FromContent(oid.OidTypeNode, c.Node.PrivateKey.PublicKey())
}

// Validate rejects settings that would break the store's invariants.
func (c *Config) Validate() error {
	switch {
	case !c.Node.PrivateKey.Valid():
		return fmt.Errorf("%w: node private key missing, run init first", ErrInvalidConfig)
	case c.Network.ListenAddress == "":
		return fmt.Errorf("%w: network listen address missing", ErrInvalidConfig)
	case c.Network.QueueSize <= 0:
		return fmt.Errorf("%w: network queue size must be positive", ErrInvalidConfig)
	case c.Store.Capacity <= 0:
		return fmt.Errorf("%w: store capacity must be positive", ErrInvalidConfig)
	case c.Store.TrackerSize < c.Store.Capacity:
		return fmt.Errorf("%w: tracker size %d smaller than store capacity %d", ErrInvalidConfig, c.Store.TrackerSize, c.Store.Capacity)
	case c.Store.MaxTTL <= 0 || c.Store.DefaultTTL <= 0 || c.Store.DefaultTTL > c.Store.MaxTTL:
		return fmt.Errorf("%w: default ttl %v must be positive and within max ttl %v", ErrInvalidConfig, c.Store.DefaultTTL.D(), c.Store.MaxTTL.D())
	case c.Store.ClockSkew < 0:
		return fmt.Errorf("%w: clock skew must not be negative", ErrInvalidConfig)
	case c.Store.TrackerRetention < c.Store.MaxTTL+c.Store.ClockSkew:
		// A forgotten watermark is only safe once every acceptable expiry for the key has passed
		return fmt.Errorf("%w: tracker retention %v shorter than max ttl %v plus clock skew %v",
			ErrInvalidConfig, c.Store.TrackerRetention.D(), c.Store.MaxTTL.D(), c.Store.ClockSkew.D())
	case c.Timers.Refresh <= 0 || c.Timers.Refresh >= c.Store.DefaultTTL:
		return fmt.Errorf("%w: refresh interval %v must be shorter than default ttl %v", ErrInvalidConfig, c.Timers.Refresh.D(), c.Store.DefaultTTL.D())
	case c.DataStore.EntryIndexPath == "" || c.DataStore.NodeIndexPath == "":
		return fmt.Errorf("%w: datastore paths missing", ErrInvalidConfig)
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// The file holds the private key
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
