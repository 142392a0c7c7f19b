package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSecrets(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	content := `
source:
  username: admin
  password: hunter2
notifications:
  slack:
    enabled: true
    webhook_url: https://hooks.slack.com/services/T0/B0/x
    channel: "#imports"
`
	path := writeSecrets(t, content, SecureFileMode)

	cfg, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile: %v", err)
	}
	if cfg.Source.Username != "admin" || cfg.Source.Password != "hunter2" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if !cfg.HasSourceCredentials() {
		t.Error("HasSourceCredentials() = false")
	}
	if !cfg.Notifications.Slack.Enabled || cfg.Notifications.Slack.Channel != "#imports" {
		t.Errorf("slack = %+v", cfg.Notifications.Slack)
	}
}

func TestLoadRejectsLooseFilePermissions(t *testing.T) {
	path := writeSecrets(t, "source:\n  token: abc\n", 0644)

	_, err := loadFromFile(path)
	if err == nil {
		t.Fatal("expected error for world-readable file")
	}
	if !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := loadFromFile(path)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestPathEnvOverride(t *testing.T) {
	t.Setenv(SecretsFileEnvVar, "/custom/secrets.yaml")
	if got := Path(); got != "/custom/secrets.yaml" {
		t.Fatalf("Path() = %q", got)
	}
}

func TestHasSourceCredentials(t *testing.T) {
	cases := []struct {
		name string
		src  Source
		want bool
	}{
		{"empty", Source{}, false},
		{"token", Source{Token: "abc"}, true},
		{"username only", Source{Username: "u"}, false},
		{"username and password", Source{Username: "u", Password: "p"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Source: tc.src}
			if got := cfg.HasSourceCredentials(); got != tc.want {
				t.Errorf("HasSourceCredentials() = %v, want %v", got, tc.want)
			}
		})
	}
}
