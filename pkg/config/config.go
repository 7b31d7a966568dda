package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable, e.g. ECHOCHAIN_LISTEN_ADDR.
const EnvPrefix = "echochain"

const DefaultChunkSize = 1024 * 1024

type Config struct {
	// PeerID is generated when empty.
	PeerID string `envconfig:"PEER_ID"`

	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8001"`
	// AdvertiseHost is what other peers dial; defaults to the listen host.
	AdvertiseHost  string   `envconfig:"ADVERTISE_HOST"`
	BootstrapPeers []string `envconfig:"BOOTSTRAP_PEERS"`

	DataDir string `envconfig:"DATA_DIR" default:"./data"`
	// InMemoryCatalog keeps file metadata out of LevelDB; chunk bytes still
	// live under DataDir.
	InMemoryCatalog bool  `envconfig:"IN_MEMORY_CATALOG" default:"false"`
	ChunkSize       int64 `envconfig:"CHUNK_SIZE" default:"1048576"`

	// IdentityPath defaults to <DataDir>/identity.pem.
	IdentityPath       string `envconfig:"IDENTITY_PATH"`
	IdentityPassphrase string `envconfig:"IDENTITY_PASSPHRASE"`

	Download DownloadConfig

	GossipInterval  time.Duration `envconfig:"GOSSIP_INTERVAL" default:"30s"`
	GossipFanout    int           `envconfig:"GOSSIP_FANOUT" default:"3"`
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"1m"`
	EnableMDNS      bool          `envconfig:"ENABLE_MDNS" default:"false"`

	LogDir   string `envconfig:"LOG_DIR" default:"logs"`
	LogLevel string `envconfig:"LOG_LEVEL"`
}

type DownloadConfig struct {
	MaxConcurrentChunks int           `envconfig:"MAX_CONCURRENT_CHUNKS" default:"4"`
	MaxAttemptsPerPeer  int           `envconfig:"MAX_ATTEMPTS_PER_PEER" default:"2"`
	MetadataTimeout     time.Duration `envconfig:"METADATA_TIMEOUT" default:"10s"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	// PeerFailureThreshold consecutive failures mark a peer as not alive
	// until PeerRetryAfter has passed.
	PeerFailureThreshold int           `envconfig:"PEER_FAILURE_THRESHOLD" default:"3"`
	PeerRetryAfter       time.Duration `envconfig:"PEER_RETRY_AFTER" default:"1m"`
}

// Load reads the configuration from ECHOCHAIN_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied and no
// environment lookups.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8001",
		DataDir:         "./data",
		ChunkSize:       DefaultChunkSize,
		GossipInterval:  30 * time.Second,
		GossipFanout:    3,
		MetricsInterval: time.Minute,
		LogDir:          "logs",
		Download: DownloadConfig{
			MaxConcurrentChunks:  4,
			MaxAttemptsPerPeer:   2,
			MetadataTimeout:      10 * time.Second,
			RequestTimeout:       30 * time.Second,
			PeerFailureThreshold: 3,
			PeerRetryAfter:       time.Minute,
		},
	}
}

// IdentityFile resolves where the node's signing key lives.
func (c *Config) IdentityFile() string {
	if c.IdentityPath != "" {
		return c.IdentityPath
	}
	return filepath.Join(c.DataDir, "identity.pem")
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	for _, addr := range c.BootstrapPeers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", addr, err)
		}
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.DataDir == "" {
		return errors.New("data dir is required")
	}
	if c.Download.MaxConcurrentChunks <= 0 {
		return errors.New("max concurrent chunks must be positive")
	}
	if c.Download.MaxAttemptsPerPeer <= 0 {
		return errors.New("max attempts per peer must be positive")
	}
	if c.Download.MetadataTimeout <= 0 || c.Download.RequestTimeout <= 0 {
		return errors.New("download timeouts must be positive")
	}
	return nil
}
