package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/mfloren/nzbstream/internal/domain"
)

type Config struct {
	Port   string       `mapstructure:"port" yaml:"port"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Usenet UsenetConfig `mapstructure:"usenet" yaml:"usenet"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	// DSN is a sqlite file path by default; postgres:// selects pgx.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// UsenetConfig carries the primary provider's settings at the top level
// plus any number of additional providers. The flat fields exist so a
// one-server setup stays a five-line config file.
type UsenetConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	UseSSL      bool   `mapstructure:"use-ssl" yaml:"use-ssl"`
	User        string `mapstructure:"user" yaml:"user"`
	Pass        string `mapstructure:"pass" yaml:"pass"`
	Connections int    `mapstructure:"connections" yaml:"connections"`

	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

type ProviderConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	UseSSL      bool   `mapstructure:"use-ssl" yaml:"use-ssl"`
	User        string `mapstructure:"user" yaml:"user"`
	Pass        string `mapstructure:"pass" yaml:"pass"`
	Connections int    `mapstructure:"connections" yaml:"connections"`
}

// Manager loads the config file, answers snapshot queries, and fans out
// change notifications to subscribers.
type Manager struct {
	v *viper.Viper

	mu      sync.Mutex
	current Config
	subs    []chan Change
}

func Load(path string) (*Manager, error) {
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.dsn", "nzbstream.db")
	v.SetDefault("usenet.port", 119)
	v.SetDefault("usenet.connections", 10)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("NZBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Manager{v: v, current: cfg}, nil
}

func (c *Config) validate() error {
	if c.Usenet.Host == "" && len(c.Usenet.Providers) == 0 {
		return fmt.Errorf("at least one usenet provider must be configured")
	}

	for i, p := range c.Usenet.Providers {
		if p.Host == "" {
			return fmt.Errorf("usenet.providers[%d]: host is required", i)
		}
		if p.Connections <= 0 {
			c.Usenet.Providers[i].Connections = 10
		}
	}

	if c.Usenet.Host != "" && c.Usenet.UseSSL && c.Usenet.Port == 119 {
		fmt.Println("Warning: use-ssl is enabled but port is set to 119 (standard non-TLS)")
	}

	return nil
}

// Config returns the current snapshot.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Providers flattens the usenet section into the ordered provider list:
// the flat primary server first, then the providers array.
func (m *Manager) Providers() []domain.ProviderRecord {
	cfg := m.Config()
	return cfg.Usenet.ProviderRecords()
}

func (u UsenetConfig) ProviderRecords() []domain.ProviderRecord {
	var records []domain.ProviderRecord

	if u.Host != "" {
		records = append(records, domain.ProviderRecord{
			Name:           "primary",
			Host:           u.Host,
			Port:           u.Port,
			UseSSL:         u.UseSSL,
			Username:       u.User,
			Password:       u.Pass,
			MaxConnections: u.Connections,
		}.Normalize())
	}

	for _, p := range u.Providers {
		records = append(records, domain.ProviderRecord{
			Name:           p.Name,
			Host:           p.Host,
			Port:           p.Port,
			UseSSL:         p.UseSSL,
			Username:       p.User,
			Password:       p.Pass,
			MaxConnections: p.Connections,
		}.Normalize())
	}

	return records
}
