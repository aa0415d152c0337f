package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/studyhub/internal/wire"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyServer  = "server"
	keyToken   = "token"
	keyFraming = "framing"

	defaultServer = "http://localhost:8080"
)

// Settings are the CLI options after merging file, environment and flags.
type Settings struct {
	Server  string `mapstructure:"server"`
	Token   string `mapstructure:"token"`
	Framing string `mapstructure:"framing"`
}

// DefaultConfigPath returns ~/.studyctl/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".studyctl", "config.yaml"), nil
}

// newViper builds the settings source. Flags win over STUDYCTL_* variables,
// which win over the config file.
func newViper(configPath string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(keyServer, defaultServer)
	v.SetDefault(keyFraming, string(wire.FramingText))

	v.SetEnvPrefix("STUDYCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, key := range []string{keyServer, keyToken, keyFraming} {
		if f := flags.Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", key, err)
			}
		}
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

func loadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	switch wire.Framing(s.Framing) {
	case wire.FramingText, wire.FramingNDJSON:
	default:
		return nil, fmt.Errorf("unknown framing %q (want text or ndjson)", s.Framing)
	}
	return &s, nil
}

// saveSetting persists one key to the config file.
func saveSetting(configPath, key, value string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	v.Set(key, value)
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0o600)
}
