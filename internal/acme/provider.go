package acme

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/platform/config/env"
	"github.com/sirupsen/logrus"

	"portal_dns01/internal/challenge"
	"portal_dns01/internal/config"
)

// Environment variables read by NewDefaultConfig
const (
	EnvPropagationTimeout = "PORTAL_PROPAGATION_TIMEOUT"
	EnvPollingInterval    = "PORTAL_POLLING_INTERVAL"
)

// Config is used to configure the creation of the DNSProvider
type Config struct {
	Credentials   config.Credentials
	BaseURL       string
	SwitchContext bool

	PropagationTimeout time.Duration
	PollingInterval    time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Entry
}

// NewDefaultConfig returns a default configuration for the DNSProvider
func NewDefaultConfig() *Config {
	return &Config{
		BaseURL:            config.DefaultBaseURL,
		PropagationTimeout: env.GetOrDefaultSecond(EnvPropagationTimeout, dns01.DefaultPropagationTimeout),
		PollingInterval:    env.GetOrDefaultSecond(EnvPollingInterval, dns01.DefaultPollingInterval),
		HTTPClient:         &http.Client{Timeout: env.GetOrDefaultSecond(config.EnvHTTPTimeout, 0)},
	}
}

// DNSProvider publishes DNS-01 challenge records through the hosting portal
type DNSProvider struct {
	config *Config
	runner *challenge.Runner
	logger *logrus.Entry
}

// NewDNSProvider returns a DNSProvider configured from the environment and the
// account file. Valid credentials are written back to the account file in
// canonical form.
func NewDNSProvider() (*DNSProvider, error) {
	loaded, err := config.Load("")
	if err != nil {
		return nil, err
	}

	if loaded.Credentials.Validate() == nil {
		if _, err := loaded.NormalizeStore(); err != nil {
			return nil, err
		}
	}

	cfg := NewDefaultConfig()
	cfg.Credentials = loaded.Credentials
	cfg.BaseURL = loaded.Portal.BaseURL
	cfg.SwitchContext = loaded.Portal.SwitchContext
	cfg.HTTPClient.Timeout = loaded.Portal.HTTPTimeout

	return NewDNSProviderConfig(cfg)
}

// NewDNSProviderConfig returns a DNSProvider for the given configuration
func NewDNSProviderConfig(cfg *Config) (*DNSProvider, error) {
	if cfg == nil {
		return nil, errors.New("portal: the configuration of the DNS provider is nil")
	}
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "acme-provider")

	runner := challenge.NewRunner(cfg.Credentials, challenge.Options{
		BaseURL:       cfg.BaseURL,
		SwitchContext: cfg.SwitchContext,
		HTTPClient:    cfg.HTTPClient,
		Logger:        logger,
	})

	return &DNSProvider{config: cfg, runner: runner, logger: logger}, nil
}

// Present creates the TXT record that fulfils the dns-01 challenge
func (d *DNSProvider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	_, err := d.runner.AddRecord(context.Background(), dns01.UnFqdn(info.EffectiveFQDN), info.Value)
	return err
}

// CleanUp is a no-op: the portal offers no record removal, the record is left
// to expire or be removed by hand.
func (d *DNSProvider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	d.logger.WithField("fqdn", info.EffectiveFQDN).Info("record removal not supported by the portal, leaving TXT record in place")
	return nil
}

// Timeout returns the timeout and interval to use when checking for DNS propagation
func (d *DNSProvider) Timeout() (timeout, interval time.Duration) {
	return d.config.PropagationTimeout, d.config.PollingInterval
}
