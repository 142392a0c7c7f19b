// Package secrets loads source credentials and webhook secrets from a
// permission-checked file, keeping them out of job files, request bodies,
// and shell history.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/influxkit/influx-migrate/internal/notify"
)

const (
	// DefaultSecretsDir is the default directory for secrets
	DefaultSecretsDir = ".secrets"
	// DefaultSecretsFile is the default filename for secrets
	DefaultSecretsFile = "influx-migrate.yaml"
	// SecretsFileEnvVar allows overriding the secrets file location
	SecretsFileEnvVar = "INFLUX_MIGRATE_SECRETS_FILE"
	// SecureDirMode is the permission mode for the secrets directory
	SecureDirMode = 0700
	// SecureFileMode is the permission mode for the secrets file
	SecureFileMode = 0600
)

// Config is the complete secrets configuration.
type Config struct {
	Source        Source              `yaml:"source"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// Source holds source InfluxDB credentials: username and password for v1,
// token for v2 and v3.
type Source struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// NotificationsConfig holds notification service credentials.
type NotificationsConfig struct {
	Slack notify.SlackConfig `yaml:"slack"`
}

// NotFoundError reports a missing secrets file; callers usually treat it
// as "no secrets configured" rather than a failure.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secrets file not found at %s", e.Path)
}

// Path returns the secrets file location, honoring the env override.
func Path() string {
	if envPath := os.Getenv(SecretsFileEnvVar); envPath != "" {
		return envPath
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultSecretsDir, DefaultSecretsFile)
	}
	return filepath.Join(homeDir, DefaultSecretsDir, DefaultSecretsFile)
}

// Load reads the secrets file. A world- or group-readable file is rejected
// outright since it holds live credentials.
func Load() (*Config, error) {
	return loadFromFile(Path())
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	info, err := os.Stat(path)
	if err == nil {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("secrets file %s has insecure permissions (%04o). "+
				"Other users can read your credentials. Run: chmod 600 %s", path, mode, path)
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return &config, nil
}

// HasSourceCredentials reports whether the file carries any source auth.
func (c *Config) HasSourceCredentials() bool {
	return c != nil && (c.Source.Token != "" || (c.Source.Username != "" && c.Source.Password != ""))
}
