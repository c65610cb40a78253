package config

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config represents one node's configuration.
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Network      NetworkConfig      `mapstructure:"network"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// NodeConfig identifies the node and its jack layout.
type NodeConfig struct {
	// ID names the node on the network; a fresh UUID is assigned when
	// left empty.
	ID string `mapstructure:"id"`
	// Color is the hue in degrees shown on this node's output jacks.
	Color   uint16 `mapstructure:"color"`
	Inputs  int    `mapstructure:"inputs"`
	Outputs int    `mapstructure:"outputs"`
}

// NetworkConfig selects and tunes the transport.
type NetworkConfig struct {
	// Transport picks the backend: "native" multicasts on a real
	// interface, "local" runs over the in-process bus.
	Transport       string `mapstructure:"transport"`
	ControlGroup    string `mapstructure:"control_group"`
	JackPort        int    `mapstructure:"jack_port"`
	PreferredSubnet string `mapstructure:"preferred_subnet"`
}

// CoordinationConfig tunes how nodes agree on the patch state.
type CoordinationConfig struct {
	// Strategy is "election" for leader-based aggregation or "ping"
	// for the leaderless variant.
	Strategy      string `mapstructure:"strategy"`
	ElectionMinMs int64  `mapstructure:"election_min_ms"`
	ElectionMaxMs int64  `mapstructure:"election_max_ms"`
	HeartbeatMs   int64  `mapstructure:"heartbeat_ms"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/patchbay")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PATCHBAY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("node.id", "")
	viper.SetDefault("node.color", 0)
	viper.SetDefault("node.inputs", 0)
	viper.SetDefault("node.outputs", 0)

	viper.SetDefault("network.transport", "native")
	viper.SetDefault("network.control_group", "239.0.0.0:19874")
	viper.SetDefault("network.jack_port", 19991)
	viper.SetDefault("network.preferred_subnet", "10.0.0.0/8")

	viper.SetDefault("coordination.strategy", "election")
	viper.SetDefault("coordination.election_min_ms", 150)
	viper.SetDefault("coordination.election_max_ms", 300)
	viper.SetDefault("coordination.heartbeat_ms", 50)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Node.ID == "" {
		config.Node.ID = uuid.New().String()
	}
	if len(config.Node.ID) > 48 {
		return fmt.Errorf("node.id must be at most 48 bytes")
	}
	if config.Node.Inputs < 0 || config.Node.Inputs > 32 ||
		config.Node.Outputs < 0 || config.Node.Outputs > 32 {
		return fmt.Errorf("node jack counts must be between 0 and 32")
	}

	switch config.Network.Transport {
	case "native", "local":
	default:
		return fmt.Errorf("network.transport must be native or local, got %q", config.Network.Transport)
	}
	if _, _, err := net.SplitHostPort(config.Network.ControlGroup); err != nil {
		return fmt.Errorf("network.control_group: %w", err)
	}
	if config.Network.JackPort < 1 || config.Network.JackPort > 65535 {
		return fmt.Errorf("network.jack_port must be between 1 and 65535")
	}
	if _, _, err := net.ParseCIDR(config.Network.PreferredSubnet); err != nil {
		return fmt.Errorf("network.preferred_subnet: %w", err)
	}

	switch config.Coordination.Strategy {
	case "election", "ping":
	default:
		return fmt.Errorf("coordination.strategy must be election or ping, got %q", config.Coordination.Strategy)
	}
	if config.Coordination.ElectionMinMs <= 0 || config.Coordination.HeartbeatMs <= 0 {
		return fmt.Errorf("coordination timers must be positive")
	}
	if config.Coordination.ElectionMaxMs < config.Coordination.ElectionMinMs {
		return fmt.Errorf("coordination.election_max_ms must be at least election_min_ms")
	}

	return nil
}

// GetDefaultConfig returns a default configuration.
func GetDefaultConfig() *Config {
	setDefaults()

	var config Config
	viper.Unmarshal(&config)
	validateConfig(&config)

	return &config
}
