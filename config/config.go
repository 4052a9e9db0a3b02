package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries every runtime option the inventory backend recognizes.
// Values come from the process environment, optionally seeded from an
// env file (settings.env by default).
type Config struct {
	ADServer   string `env:"AD_SERVER" envDefault:"clodc02.snm.local"`
	ADUsername string `env:"AD_USERNAME"`
	ADPassword string `env:"AD_PASSWORD"`
	ADBaseDN   string `env:"AD_BASE_DN" envDefault:"DC=snm,DC=local"`
	ADPageSize uint32 `env:"AD_PAGE_SIZE" envDefault:"1000"`

	SQLServer      string `env:"SQL_SERVER" envDefault:"localhost"`
	SQLDatabase    string `env:"SQL_DATABASE" envDefault:"inventory"`
	SQLUsername    string `env:"SQL_USERNAME"`
	SQLPassword    string `env:"SQL_PASSWORD"`
	UseWindowsAuth bool   `env:"USE_WINDOWS_AUTH" envDefault:"false"`

	// HR directory database, read-only. Falls back to the cache
	// credentials when its own are unset.
	CorporeServer   string `env:"CORPORE_SERVER"`
	CorporeDatabase string `env:"CORPORE_DATABASE" envDefault:"corporerm"`
	CorporeUsername string `env:"CORPORE_USERNAME"`
	CorporePassword string `env:"CORPORE_PASSWORD"`

	DellClientID     string `env:"DELL_CLIENT_ID"`
	DellClientSecret string `env:"DELL_CLIENT_SECRET"`
	DellBaseURL      string `env:"DELL_BASE_URL" envDefault:"https://apigtwb2c.us.dell.com"`

	// Elevated credentials for the remote-exec side channel used by the
	// logged-user prober. Escalation is skipped when the password is empty.
	WinRMServer   string `env:"WINRM_SERVER" envDefault:"CLODC02"`
	WinRMUsername string `env:"WINRM_USERNAME"`
	WinRMPassword string `env:"WINRM_PASSWORD"`

	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"1h"`
	SyncRetryInterval time.Duration `env:"SYNC_RETRY_INTERVAL" envDefault:"5m"`

	Port        string   `env:"PORT" envDefault:"8000"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configName (ignored when absent) and then the environment.
func Load(configName string) (Config, error) {
	if configName != "" {
		if _, err := os.Stat(configName); err == nil {
			if err := godotenv.Load(configName); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", configName, err)
			}
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// DSN builds the cache database connection string. USE_WINDOWS_AUTH maps
// to the ambient-credential path where no password is embedded.
func (c Config) DSN() string {
	if c.UseWindowsAuth {
		return fmt.Sprintf("postgres://%s/%s?connect_timeout=30", c.SQLServer, c.SQLDatabase)
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?connect_timeout=30",
		url.QueryEscape(c.SQLUsername), url.QueryEscape(c.SQLPassword), c.SQLServer, c.SQLDatabase)
}

// CorporeDSN builds the HR directory connection string, reusing the
// cache credentials when dedicated ones are not configured.
func (c Config) CorporeDSN() string {
	server := c.CorporeServer
	if server == "" {
		server = c.SQLServer
	}
	username := c.CorporeUsername
	password := c.CorporePassword
	if username == "" {
		username = c.SQLUsername
		password = c.SQLPassword
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?connect_timeout=30",
		url.QueryEscape(username), url.QueryEscape(password), server, c.CorporeDatabase)
}

// LDAPURL is the bind target for the directory.
func (c Config) LDAPURL() string {
	return fmt.Sprintf("ldap://%s:389", c.ADServer)
}
