package odoo

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config carries the connection settings for one Odoo server. Exactly one of
// Password and PasswordFile must be set; PasswordFile wins when both are and
// is re-read on rotation (see WatchPasswordFile).
type Config struct {
	// URL is the base URL of the Odoo server, e.g. "https://erp.example.com".
	// ENV: ODOO_URL
	URL string `env:"ODOO_URL,required"`

	// Database is the Odoo database name. ENV: ODOO_DB
	Database string `env:"ODOO_DB,required"`

	// Username authenticates against res.users. ENV: ODOO_USERNAME
	Username string `env:"ODOO_USERNAME,required"`

	// Password is the login password or API key. ENV: ODOO_PASSWORD
	Password string `env:"ODOO_PASSWORD"`

	// PasswordFile is a path to a file holding the password, for secret
	// mounts that rotate in place. ENV: ODOO_PASSWORD_FILE
	PasswordFile string `env:"ODOO_PASSWORD_FILE"`
}

// NewConfigFromEnv loads and validates the ODOO_* environment variables.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode odoo config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolve normalizes the URL and loads PasswordFile into Password.
func (c *Config) resolve() error {
	c.URL = strings.TrimRight(c.URL, "/")
	if c.PasswordFile != "" {
		pw, err := ReadPasswordFile(c.PasswordFile)
		if err != nil {
			return err
		}
		c.Password = pw
	}
	if c.Password == "" {
		return fmt.Errorf("odoo config: one of ODOO_PASSWORD or ODOO_PASSWORD_FILE is required")
	}
	return nil
}

// ReadPasswordFile reads a password from path, trimming surrounding
// whitespace so trailing newlines in mounted secrets are harmless.
func ReadPasswordFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read password file %s: %w", path, err)
	}
	pw := strings.TrimSpace(string(raw))
	if pw == "" {
		return "", fmt.Errorf("password file %s is empty", path)
	}
	return pw, nil
}

// LogValue renders the config for startup logging with the password masked.
func (c Config) LogValue() slog.Value {
	password := ""
	if c.Password != "" {
		password = "***hidden***"
	}
	return slog.GroupValue(
		slog.String("url", c.URL),
		slog.String("db", c.Database),
		slog.String("username", c.Username),
		slog.String("password", password),
	)
}
