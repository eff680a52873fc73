package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	configData Config
	v          *viper.Viper
)

// Config holds all configuration settings.
type Config struct {
	// Terminal link configuration
	Server struct {
		Host string
		Port int
	}
	// Admin HTTP API configuration
	API struct {
		Host string
		Port int
	}
	// HSM endpoint configuration
	HSM struct {
		URL            string
		TimeoutSeconds int
	}
	// Key store configuration
	Store struct {
		Path string
	}
	// Key management configuration
	Keys struct {
		BankContext      string
		MacAlgorithm     string
		PinCipherMode    string
		GracePeriodHours int
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string
	}
}

// Initialize sets up the configuration system.
func Initialize() error {
	v = viper.New()

	// Set config name and paths
	v.SetConfigName("config")          // name of config file (without extension)
	v.SetConfigType("yaml")            // config file type
	v.AddConfigPath(".")               // optionally look for config in working directory
	v.AddConfigPath("$HOME/.termkeys") // look for config in .termkeys directory in home
	v.AddConfigPath("/etc/termkeys/")  // path to look for the config file in

	// Set default values
	setDefaults()

	// Environment variables
	v.SetEnvPrefix("TERMKEYS") // prefix for env vars
	v.AutomaticEnv()           // read in environment variables that match
	v.SetEnvKeyReplacer(       // replace dots with underscores in env vars
		strings.NewReplacer(".", "_"),
	)

	// Create config file if it doesn't exist
	if err := ensureConfig(); err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}

	// Read in config file
	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config into struct
	if err := v.Unmarshal(&configData); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	// Terminal link defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 7001)

	// Admin API defaults
	v.SetDefault("api.host", "localhost")
	v.SetDefault("api.port", 8091)

	// HSM defaults
	v.SetDefault("hsm.url", "http://localhost:8090")
	v.SetDefault("hsm.timeoutseconds", 10)

	// Key store defaults
	v.SetDefault("store.path", "termkeys.db")

	// Key management defaults
	v.SetDefault("keys.bankcontext", "bank-default")
	v.SetDefault("keys.macalgorithm", "cmac")
	v.SetDefault("keys.pinciphermode", "cbc")
	v.SetDefault("keys.graceperiodhours", 24)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	// Check if config file exists
	if _, err := os.Stat(filepath.Join(os.Getenv("HOME"), ".termkeys")); os.IsNotExist(err) {
		// Create directory
		if err := os.MkdirAll(filepath.Join(os.Getenv("HOME"), ".termkeys"), 0o755); err != nil {
			return err
		}
	}

	configFile := filepath.Join(os.Getenv("HOME"), ".termkeys", "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		// Create default config file
		defaultConfig := `# Terminal Key Management Configuration File
server:
  host: localhost
  port: 7001

api:
  host: localhost
  port: 8091

hsm:
  url: http://localhost:8090
  timeoutseconds: 10

store:
  path: termkeys.db

keys:
  bankcontext: bank-default
  macalgorithm: cmac
  pinciphermode: cbc
  graceperiodhours: 24

log:
  level: info
  format: human
`
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
