package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/ini.v1"

	"portal_dns01/internal/apperr"
	"portal_dns01/internal/auth"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak
// into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigPath, EnvUsername, EnvPassword, EnvPasswordEncoded,
		EnvOTPSecret, EnvBaseURL, EnvSwitchContext, EnvHTTPTimeout, EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func writeStore(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "account.ini")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write store: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Portal.BaseURL != DefaultBaseURL {
		t.Errorf("Expected BaseURL %s, got %s", DefaultBaseURL, cfg.Portal.BaseURL)
	}
	if cfg.Portal.SwitchContext {
		t.Error("SwitchContext should default to false")
	}
	if cfg.Portal.HTTPTimeout != 0 {
		t.Errorf("HTTPTimeout should default to 0, got %v", cfg.Portal.HTTPTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected log level info, got %s", cfg.Log.Level)
	}
	if cfg.Credentials.Username != "" || cfg.Credentials.Password != "" {
		t.Errorf("Expected empty credentials, got %+v", cfg.Credentials)
	}
}

func TestLoad_StorePathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeStore(t, "[portal]\nusername = alice\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.StorePath != path {
		t.Errorf("Expected StorePath %s, got %s", path, cfg.StorePath)
	}
	if cfg.Credentials.Username != "alice" {
		t.Errorf("Expected username alice, got %s", cfg.Credentials.Username)
	}
}

func TestLoad_EnvOverridesStore(t *testing.T) {
	clearEnv(t)
	path := writeStore(t, `[portal]
username = alice
password_encoded = `+auth.EncodePassword("stored")+`
base_url = https://store.example/
switch_context = true

[log]
level = warn
`)
	t.Setenv(EnvUsername, "bob")
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(EnvBaseURL, "https://env.example/")
	t.Setenv(EnvSwitchContext, "0")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Credentials.Username != "bob" {
		t.Errorf("Expected username bob, got %s", cfg.Credentials.Username)
	}
	if cfg.Credentials.Password != "from-env" {
		t.Errorf("Expected password from env, got %s", cfg.Credentials.Password)
	}
	if cfg.Portal.BaseURL != "https://env.example" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.Portal.BaseURL)
	}
	if cfg.Portal.SwitchContext {
		t.Error("Expected SwitchContext false from env")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestLoad_StoreValues(t *testing.T) {
	clearEnv(t)
	path := writeStore(t, `[portal]
username = alice
password_encoded = `+auth.EncodePassword("stored")+`
otp_secret = gezd gnbv
switch_context = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Credentials.Password != "stored" {
		t.Errorf("Expected decoded password, got %s", cfg.Credentials.Password)
	}
	if cfg.Credentials.OTPSecret != "GEZDGNBV" {
		t.Errorf("Expected normalized OTP secret, got %s", cfg.Credentials.OTPSecret)
	}
	if !cfg.Credentials.HasOTP() {
		t.Error("HasOTP() should be true")
	}
	if !cfg.Portal.SwitchContext {
		t.Error("Expected SwitchContext true from store")
	}
}

func TestLoad_PlainAndEncodedResolveToSamePair(t *testing.T) {
	const password = "s3cr3t p@ss"

	tests := []struct {
		name  string
		store string
		env   map[string]string
	}{
		{
			name:  "plain env",
			store: "",
			env:   map[string]string{EnvUsername: "alice", EnvPassword: password},
		},
		{
			name:  "encoded env",
			store: "",
			env:   map[string]string{EnvUsername: "alice", EnvPasswordEncoded: auth.EncodePassword(password)},
		},
		{
			name:  "plain store",
			store: "[portal]\nusername = alice\npassword = " + password + "\n",
		},
		{
			name:  "encoded store",
			store: "[portal]\nusername = alice\npassword_encoded = " + auth.EncodePassword(password) + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeStore(t, tt.store)

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			want := Credentials{Username: "alice", Password: password}
			if cfg.Credentials != want {
				t.Errorf("Credentials = %+v; want %+v", cfg.Credentials, want)
			}
		})
	}
}

func TestLoad_InvalidEncodedPassword(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPasswordEncoded, "%%%")

	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	if err == nil {
		t.Fatal("Expected error for invalid encoded password")
	}
	if apperr.KindOf(err) != apperr.KindConfig {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{name: "complete", creds: Credentials{Username: "alice", Password: "pw"}},
		{name: "missing username", creds: Credentials{Password: "pw"}, wantErr: true},
		{name: "missing password", creds: Credentials{Username: "alice"}, wantErr: true},
		{name: "empty", creds: Credentials{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && apperr.KindOf(err) != apperr.KindConfig {
				t.Errorf("Expected config error kind, got %v", err)
			}
		})
	}
}

func TestNormalizeStore_RewritesPlainPassword(t *testing.T) {
	clearEnv(t)
	path := writeStore(t, "[portal]\nusername = alice\npassword = hunter2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	written, err := cfg.NormalizeStore()
	if err != nil {
		t.Fatalf("NormalizeStore() failed: %v", err)
	}
	if !written {
		t.Error("Expected store to be rewritten")
	}

	stored, err := ini.Load(path)
	if err != nil {
		t.Fatalf("failed to reload store: %v", err)
	}
	section := stored.Section("portal")
	if section.HasKey("password") {
		t.Error("Plain text password should be removed")
	}
	if got := section.Key("password_encoded").String(); got != auth.EncodePassword("hunter2") {
		t.Errorf("Expected encoded password, got %s", got)
	}
	if got := section.Key("username").String(); got != "alice" {
		t.Errorf("Expected username alice, got %s", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("Account file should not be group/world accessible, got %v", perm)
	}
}

func TestNormalizeStore_Idempotent(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvUsername, "alice")
	t.Setenv(EnvPassword, "hunter2")
	t.Setenv(EnvOTPSecret, "GEZDGNBV")
	path := filepath.Join(t.TempDir(), "nested", "account.ini")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if written, err := cfg.NormalizeStore(); err != nil || !written {
		t.Fatalf("first NormalizeStore() = %v, %v; want true, nil", written, err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}

	// A second run, now resolving from the file alone, changes nothing.
	clearEnv(t)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Credentials.Password != "hunter2" || cfg.Credentials.OTPSecret != "GEZDGNBV" {
		t.Errorf("Unexpected credentials after reload: %+v", cfg.Credentials)
	}
	if written, err := cfg.NormalizeStore(); err != nil || written {
		t.Fatalf("second NormalizeStore() = %v, %v; want false, nil", written, err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Store changed on second run:\n%s\n---\n%s", first, second)
	}
	if strings.Contains(string(second), "hunter2") {
		t.Error("Plain text password leaked into the store")
	}
}

func TestNormalizeStore_MissingCredentials(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "account.ini")
	t.Setenv(EnvUsername, "alice")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := cfg.NormalizeStore(); apperr.KindOf(err) != apperr.KindConfig {
		t.Fatalf("Expected config error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Store should not be written when credentials are incomplete")
	}
}

func TestLoad_HTTPTimeout(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		store    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "unset", expected: 0},
		{name: "from store", store: "[portal]\nhttp_timeout = 10\n", expected: 10 * time.Second},
		{name: "env wins over store", env: "45", store: "[portal]\nhttp_timeout = 10\n", expected: 45 * time.Second},
		{name: "explicit zero", env: "0", expected: 0},
		{name: "not a number", env: "30s", wantErr: true},
		{name: "negative", env: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(EnvHTTPTimeout, tt.env)

			cfg, err := Load(writeStore(t, tt.store))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if apperr.KindOf(err) != apperr.KindConfig {
					t.Errorf("Expected config error, got %v", err)
				}
				return
			}
			if cfg.Portal.HTTPTimeout != tt.expected {
				t.Errorf("HTTPTimeout = %v; want %v", cfg.Portal.HTTPTimeout, tt.expected)
			}
		})
	}
}
