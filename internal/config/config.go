package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"portal_dns01/internal/apperr"
	"portal_dns01/internal/auth"
)

// Environment variables
const (
	EnvConfigPath      = "PORTAL_CONFIG"
	EnvUsername        = "PORTAL_USERNAME"
	EnvPassword        = "PORTAL_PASSWORD"
	EnvPasswordEncoded = "PORTAL_PASSWORD_ENCODED"
	EnvOTPSecret       = "PORTAL_OTP_SECRET"
	EnvBaseURL         = "PORTAL_BASE_URL"
	EnvSwitchContext   = "PORTAL_SWITCH_CONTEXT"
	EnvHTTPTimeout     = "PORTAL_HTTP_TIMEOUT" // seconds
	EnvLogLevel        = "LOG_LEVEL"
)

// INI store layout
const (
	sectionPortal = "portal"
	sectionLog    = "log"

	keyUsername        = "username"
	keyPassword        = "password" // legacy plain text, removed on normalization
	keyPasswordEncoded = "password_encoded"
	keyOTPSecret       = "otp_secret"
	keyBaseURL         = "base_url"
	keySwitchContext   = "switch_context"
	keyHTTPTimeout     = "http_timeout"
	keyLevel           = "level"
)

// DefaultBaseURL is the portal the flow talks to unless overridden
const DefaultBaseURL = "https://my.hosting.example"

// Config holds all configuration
type Config struct {
	StorePath   string
	Credentials Credentials
	Portal      PortalConfig
	Log         LogConfig

	store *ini.File
}

// Credentials holds the portal account
type Credentials struct {
	Username  string
	Password  string
	OTPSecret string // base32, optional
}

// PortalConfig holds portal endpoint settings
type PortalConfig struct {
	BaseURL       string
	SwitchContext bool
	HTTPTimeout   time.Duration // 0 means no client timeout
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// Validate reports a configuration error when username or password is missing
func (c Credentials) Validate() error {
	if c.Username == "" {
		return apperr.Config(EnvUsername + " is required")
	}
	if c.Password == "" {
		return apperr.Config(EnvPassword + " is required")
	}
	return nil
}

// HasOTP reports whether the second-factor step is configured
func (c Credentials) HasOTP() bool {
	return c.OTPSecret != ""
}

// DefaultStorePath returns the account file used when neither PORTAL_CONFIG nor
// an explicit path is given
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "portal_dns01", "account.ini")
}

// Load loads configuration with priority: ENV > INI store > default.
// A missing store file is not an error. Credentials are resolved but not
// validated; see NormalizeStore.
func Load(storePath string) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if storePath == "" {
		storePath = getEnv(EnvConfigPath, DefaultStorePath())
	}

	cfgFile, err := loadStore(storePath)
	if err != nil {
		return nil, err
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if key, ok := lookup(cfgFile, iniSection, iniKey); ok && key.String() != "" {
			return key.String()
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if key, ok := lookup(cfgFile, iniSection, iniKey); ok {
			if value, err := key.Bool(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueSeconds := func(envKey, iniSection, iniKey string, defaultValue time.Duration) (time.Duration, error) {
		raw := getValue(envKey, iniSection, iniKey, "")
		if raw == "" {
			return defaultValue, nil
		}
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return 0, apperr.Config(fmt.Sprintf("%s must be a non-negative number of seconds: %q", envKey, raw))
		}
		return time.Duration(seconds) * time.Second, nil
	}

	password, err := resolvePassword(cfgFile)
	if err != nil {
		return nil, err
	}

	httpTimeout, err := getValueSeconds(EnvHTTPTimeout, sectionPortal, keyHTTPTimeout, 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		StorePath: storePath,
		Credentials: Credentials{
			Username:  getValue(EnvUsername, sectionPortal, keyUsername, ""),
			Password:  password,
			OTPSecret: auth.NormalizeOTPSecret(getValue(EnvOTPSecret, sectionPortal, keyOTPSecret, "")),
		},
		Portal: PortalConfig{
			BaseURL:       strings.TrimSuffix(getValue(EnvBaseURL, sectionPortal, keyBaseURL, DefaultBaseURL), "/"),
			SwitchContext: getValueBool(EnvSwitchContext, sectionPortal, keySwitchContext, false),
			HTTPTimeout:   httpTimeout,
		},
		Log: LogConfig{
			Level: getValue(EnvLogLevel, sectionLog, keyLevel, "info"),
		},
		store: cfgFile,
	}

	return cfg, nil
}

// resolvePassword picks the password with priority:
// plain ENV > encoded ENV > encoded INI > plain INI
func resolvePassword(cfgFile *ini.File) (string, error) {
	if value := os.Getenv(EnvPassword); value != "" {
		return value, nil
	}
	if value := os.Getenv(EnvPasswordEncoded); value != "" {
		plain, err := auth.DecodePassword(value)
		if err != nil {
			return "", apperr.Config(fmt.Sprintf("%s is not valid: %v", EnvPasswordEncoded, err))
		}
		return plain, nil
	}
	if key, ok := lookup(cfgFile, sectionPortal, keyPasswordEncoded); ok && key.String() != "" {
		plain, err := auth.DecodePassword(key.String())
		if err != nil {
			return "", apperr.Config(fmt.Sprintf("%s in account file is not valid: %v", keyPasswordEncoded, err))
		}
		return plain, nil
	}
	if key, ok := lookup(cfgFile, sectionPortal, keyPassword); ok {
		return key.String(), nil
	}
	return "", nil
}

// lookup reads a key without creating it; ini's Section/Key accessors add
// missing entries, which would leak into the file on save.
func lookup(cfgFile *ini.File, section, name string) (*ini.Key, bool) {
	sec, err := cfgFile.GetSection(section)
	if err != nil {
		return nil, false
	}
	key, err := sec.GetKey(name)
	if err != nil {
		return nil, false
	}
	return key, true
}

func loadStore(path string) (*ini.File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	cfgFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}
	return cfgFile, nil
}

// NormalizeStore validates the resolved credentials and writes them back to the
// account file in canonical form: username, password_encoded and otp_secret,
// with any plain text password removed. The file is only rewritten when its
// content would change. Returns whether the file was written.
func (c *Config) NormalizeStore() (bool, error) {
	if err := c.Credentials.Validate(); err != nil {
		return false, err
	}

	section := c.store.Section(sectionPortal)
	dirty := false

	set := func(key, value string) {
		if section.HasKey(key) && section.Key(key).String() == value {
			return
		}
		section.Key(key).SetValue(value)
		dirty = true
	}

	set(keyUsername, c.Credentials.Username)
	set(keyPasswordEncoded, auth.EncodePassword(c.Credentials.Password))
	if c.Credentials.HasOTP() {
		set(keyOTPSecret, c.Credentials.OTPSecret)
	}
	if section.HasKey(keyPassword) {
		section.DeleteKey(keyPassword)
		dirty = true
	}

	if !dirty {
		return false, nil
	}
	if err := c.save(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Config) save() error {
	if err := os.MkdirAll(filepath.Dir(c.StorePath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(c.StorePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open account file: %w", err)
	}
	defer f.Close()

	if _, err := c.store.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write account file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
