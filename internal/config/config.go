package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ClientPath       string        `mapstructure:"client_path"`
	SearchDirs       []string      `mapstructure:"search_dirs"`
	ServerBinary     string        `mapstructure:"server_binary"`
	Locale           string        `mapstructure:"locale"`
	ServerPort       int           `mapstructure:"server_port"`
	TerminalType     string        `mapstructure:"terminal_type"`
	RemoteTermType   string        `mapstructure:"remote_term_type"`
	RemoteColumns    int           `mapstructure:"remote_columns"`
	RemoteRows       int           `mapstructure:"remote_rows"`
	RemoteWidth      int           `mapstructure:"remote_width"`
	RemoteHeight     int           `mapstructure:"remote_height"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	DialRetries      uint64        `mapstructure:"dial_retries"`
	DialBackoff      time.Duration `mapstructure:"dial_backoff"`
	IdentityFiles    []string      `mapstructure:"identity_files"`
	KnownHostsPath   string        `mapstructure:"known_hosts"`
	UseAgent         bool          `mapstructure:"use_agent"`
	HandshakeCarry   int           `mapstructure:"handshake_carry"`
	HandshakeKeyTrim int           `mapstructure:"handshake_key_trim"`
	LogLevel         string        `mapstructure:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		ClientPath:       "",
		SearchDirs:       defaultSearchDirs(),
		ServerBinary:     "mosh-server",
		Locale:           "en_US.UTF-8",
		ServerPort:       0,
		TerminalType:     "xterm-256color",
		RemoteTermType:   "screen",
		RemoteColumns:    80,
		RemoteRows:       25,
		RemoteWidth:      800,
		RemoteHeight:     600,
		ConnectTimeout:   10 * time.Second,
		DialRetries:      2,
		DialBackoff:      500 * time.Millisecond,
		IdentityFiles:    defaultIdentityFiles(),
		KnownHostsPath:   defaultKnownHostsPath(),
		UseAgent:         true,
		HandshakeCarry:   4096,
		HandshakeKeyTrim: 1,
		LogLevel:         "warn",
	}
}

// Load layers an optional yaml file and MOSHBRIDGE_* environment variables
// over DefaultConfig. An empty path searches the working directory and
// $HOME/.moshbridge for config.yaml.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.moshbridge")
	}

	v.SetEnvPrefix("MOSHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("client_path", cfg.ClientPath)
	v.SetDefault("search_dirs", cfg.SearchDirs)
	v.SetDefault("server_binary", cfg.ServerBinary)
	v.SetDefault("locale", cfg.Locale)
	v.SetDefault("server_port", cfg.ServerPort)
	v.SetDefault("terminal_type", cfg.TerminalType)
	v.SetDefault("remote_term_type", cfg.RemoteTermType)
	v.SetDefault("remote_columns", cfg.RemoteColumns)
	v.SetDefault("remote_rows", cfg.RemoteRows)
	v.SetDefault("remote_width", cfg.RemoteWidth)
	v.SetDefault("remote_height", cfg.RemoteHeight)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("dial_retries", cfg.DialRetries)
	v.SetDefault("dial_backoff", cfg.DialBackoff)
	v.SetDefault("identity_files", cfg.IdentityFiles)
	v.SetDefault("known_hosts", cfg.KnownHostsPath)
	v.SetDefault("use_agent", cfg.UseAgent)
	v.SetDefault("handshake_carry", cfg.HandshakeCarry)
	v.SetDefault("handshake_key_trim", cfg.HandshakeKeyTrim)
	v.SetDefault("log_level", cfg.LogLevel)
}

func defaultSearchDirs() []string {
	dirs := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "moshbridge", "bin"))
	}
	return dirs
}

func defaultIdentityFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{}
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
