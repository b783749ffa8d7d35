package config

// Package config loads the configuration for the networking core from an
// optional YAML file plus environment overrides.
//
// Version: v0.2.0

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// TorConfig holds settings for the optional anonymizing transport façade.
// Only consulted when UseTor is true.
type TorConfig struct {
	SocksPort        int      `mapstructure:"tor_socks_port" json:"tor_socks_port"`
	ControlPort      int      `mapstructure:"tor_control_port" json:"tor_control_port"`
	ServicePort      int      `mapstructure:"tor_service_port" json:"tor_service_port"`
	ControlPassword  string   `mapstructure:"tor_control_password" json:"tor_control_password"`
	DataDir          string   `mapstructure:"tor_data_dir" json:"tor_data_dir"`
	HiddenServiceDir string   `mapstructure:"tor_hidden_service_dir" json:"tor_hidden_service_dir"`
	BootstrapNodes   []string `mapstructure:"tor_bootstrap_nodes" json:"tor_bootstrap_nodes"`
}

// Config is the unified configuration for the networking core.
type Config struct {
	NodeID                string        `mapstructure:"node_id" json:"node_id"`
	ListenHost            string        `mapstructure:"listen_host" json:"listen_host"`
	DefaultPort           int           `mapstructure:"default_port" json:"default_port"`
	MaxPeers              int           `mapstructure:"max_peers" json:"max_peers"`
	MinPeersForSync       int           `mapstructure:"min_peers_for_sync" json:"min_peers_for_sync"`
	PingInterval          time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	PeerDiscoveryInterval time.Duration `mapstructure:"peer_discovery_interval" json:"peer_discovery_interval"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" json:"connection_timeout"`
	MaxMessageSize        int           `mapstructure:"max_message_size" json:"max_message_size"`
	MaxBlocksPerRequest   int           `mapstructure:"max_blocks_per_request" json:"max_blocks_per_request"`
	BootstrapNodes        []string      `mapstructure:"bootstrap_nodes" json:"bootstrap_nodes"`
	AEADSessions          bool          `mapstructure:"aead_sessions" json:"aead_sessions"`
	AddressBookPath       string        `mapstructure:"address_book_path" json:"address_book_path"`
	IdentityDir           string        `mapstructure:"identity_dir" json:"identity_dir"`
	MetricsAddr           string        `mapstructure:"metrics_addr" json:"metrics_addr"`

	UseTor bool      `mapstructure:"use_tor" json:"use_tor"`
	Tor    TorConfig `mapstructure:"tor" json:"tor"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

const (
	defaultPort                  = 8333
	defaultMaxPeers              = 10
	defaultMinPeersForSync       = 3
	defaultPingInterval          = 30 * time.Second
	defaultPeerDiscoveryInterval = 300 * time.Second
	defaultConnectionTimeout     = 10 * time.Second
	defaultMaxMessageSize        = 1 << 20 // 1 MiB
	defaultMaxBlocksPerRequest   = 64
	defaultTorSocksPort          = 9050
	defaultTorControlPort        = 9051
	defaultTorServicePort        = 8334
)

// Load reads an optional YAML config file, merges it with environment
// overrides, and returns the resulting Config. A missing config file is not
// an error: every field has a documented default.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	cfg := fromEnv()
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: NODE_ID is required and must not be empty")
	}
	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}

// fromEnv builds a Config from the process environment, so an unset
// variable behaves identically whether or not a YAML file is present.
func fromEnv() Config {
	var cfg Config
	cfg.NodeID = utils.EnvOrDefault("NODE_ID", "")
	cfg.ListenHost = utils.EnvOrDefault("LISTEN_HOST", "0.0.0.0")
	cfg.DefaultPort = utils.EnvOrDefaultInt("DEFAULT_PORT", defaultPort)
	cfg.MaxPeers = utils.EnvOrDefaultInt("MAX_PEERS", defaultMaxPeers)
	cfg.MinPeersForSync = utils.EnvOrDefaultInt("MIN_PEERS_FOR_SYNC", defaultMinPeersForSync)
	cfg.PingInterval = utils.EnvOrDefaultDuration("PING_INTERVAL", defaultPingInterval)
	cfg.PeerDiscoveryInterval = utils.EnvOrDefaultDuration("PEER_DISCOVERY_INTERVAL", defaultPeerDiscoveryInterval)
	cfg.ConnectionTimeout = utils.EnvOrDefaultDuration("CONNECTION_TIMEOUT", defaultConnectionTimeout)
	cfg.MaxMessageSize = utils.EnvOrDefaultInt("MAX_MESSAGE_SIZE", defaultMaxMessageSize)
	cfg.MaxBlocksPerRequest = utils.EnvOrDefaultInt("MAX_BLOCKS_PER_REQUEST", defaultMaxBlocksPerRequest)
	cfg.BootstrapNodes = utils.EnvOrDefaultCSV("BOOTSTRAP_NODES", nil)
	cfg.AEADSessions = utils.EnvOrDefaultBool("AEAD_SESSIONS", false)
	cfg.AddressBookPath = utils.EnvOrDefault("ADDRESS_BOOK_PATH", "peers.yaml")
	cfg.IdentityDir = utils.EnvOrDefault("IDENTITY_DIR", ".")
	cfg.MetricsAddr = utils.EnvOrDefault("METRICS_ADDR", ":9090")

	cfg.UseTor = utils.EnvOrDefaultBool("USE_TOR", false)
	cfg.Tor = TorConfig{
		SocksPort:        utils.EnvOrDefaultInt("TOR_SOCKS_PORT", defaultTorSocksPort),
		ControlPort:      utils.EnvOrDefaultInt("TOR_CONTROL_PORT", defaultTorControlPort),
		ServicePort:      utils.EnvOrDefaultInt("TOR_SERVICE_PORT", defaultTorServicePort),
		ControlPassword:  utils.EnvOrDefault("TOR_CONTROL_PASSWORD", ""),
		DataDir:          utils.EnvOrDefault("TOR_DATA_DIR", ".tor"),
		HiddenServiceDir: utils.EnvOrDefault("TOR_HIDDEN_SERVICE_DIR", ".tor/hidden_service"),
		BootstrapNodes:   utils.EnvOrDefaultCSV("TOR_BOOTSTRAP_NODES", nil),
	}

	cfg.Logging.Level = utils.EnvOrDefault("LOG_LEVEL", "info")
	cfg.Logging.File = utils.EnvOrDefault("LOG_FILE", "")
	return cfg
}
