package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"portal_dns01/internal/apperr"
)

// Portal endpoints, relative to the base URL
const (
	loginPath   = "/login"
	otpPath     = "/login/otp"
	contextPath = "/domains/%s/select/%s"
	recordsPath = "/dns/records"
)

// Fixed record attributes
const (
	RecordType = "TXT"
	RecordTTL  = 900
)

// OTPPromptMarker appears in a response body when the portal bounced the
// request to its second-factor prompt
const OTPPromptMarker = "otp_required"

// Step names used in errors and logs
const (
	StepLogin   = "login"
	StepPrime   = "otp-prime"
	StepOTP     = "otp"
	StepContext = "context"
	StepRecord  = "record"
)

// Config holds the settings for a new Session
type Config struct {
	BaseURL string
	// Client is used as a template; its Jar is replaced by the session's own.
	// Defaults to a zero http.Client.
	Client *http.Client
	Logger *logrus.Entry
}

// ChallengeRecord is the TXT record created for a DNS-01 challenge
type ChallengeRecord struct {
	Zone  string // absolute name, trailing dot included
	Value string
}

// Encode renders the record creation form body. Field order is fixed.
func (r ChallengeRecord) Encode() string {
	return "zone=" + url.QueryEscape(r.Zone) +
		"&ttl=" + strconv.Itoa(RecordTTL) +
		"&type=" + RecordType +
		"&value=" + url.QueryEscape(r.Value)
}

// Session is one authenticated conversation with the portal. Its cookies live
// in an in-memory jar that is dropped by Release.
type Session struct {
	baseURL  string
	client   *http.Client
	logger   *logrus.Entry
	loggedIn bool
	released bool
}

// NewSession creates a session with a fresh cookie jar
func NewSession(cfg Config) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, apperr.Config("portal base URL is required")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{}
	if cfg.Client != nil {
		*client = *cfg.Client
	}
	client.Jar = jar

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Session{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		logger:  logger.WithField("component", "portal-session"),
	}, nil
}

// LoggedIn reports whether Login succeeded
func (s *Session) LoggedIn() bool {
	return s.loggedIn
}

// Released reports whether the session's cookies have been discarded
func (s *Session) Released() bool {
	return s.released
}

// Release discards the session cookies. Later requests fail.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.client.Jar = nil
	s.loggedIn = false
	s.released = true
	s.logger.Debug("session released")
}

// Login submits the account credentials
func (s *Session) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("path", "/")

	var resp LoginResponse
	if _, err := s.postForm(ctx, StepLogin, loginPath, form.Encode(), &resp); err != nil {
		return err
	}
	if !resp.OK() {
		return apperr.Auth(resp.Message)
	}

	s.loggedIn = true
	s.logger.Debug("logged in")
	return nil
}

// PrimeOTP fetches the second-factor page. The portal expects this request
// between Login and VerifyOTP.
func (s *Session) PrimeOTP(ctx context.Context) error {
	if _, err := s.do(ctx, StepPrime, http.MethodGet, otpPath, ""); err != nil {
		return err
	}
	return nil
}

// VerifyOTP submits a one-time code
func (s *Session) VerifyOTP(ctx context.Context, code string) error {
	if err := s.requireLogin(StepOTP); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("path", "/")
	form.Set("remember", "0")

	var resp LoginResponse
	if _, err := s.postForm(ctx, StepOTP, otpPath, form.Encode(), &resp); err != nil {
		return err
	}
	if !resp.OK() {
		return apperr.OTP(resp.Message)
	}

	s.logger.Debug("one-time code accepted")
	return nil
}

// SwitchContext selects the domain the following record request applies to
func (s *Session) SwitchContext(ctx context.Context, parentDomain string) error {
	if err := s.requireLogin(StepContext); err != nil {
		return err
	}

	path := fmt.Sprintf(contextPath, parentDomain, url.PathEscape(parentDomain))
	body, err := s.do(ctx, StepContext, http.MethodGet, path, "")
	if err != nil {
		return err
	}
	if bytes.Contains(body, []byte(OTPPromptMarker)) {
		return apperr.MissedOTP(StepContext)
	}

	var resp ContextResponse
	if err := decode(StepContext, body, &resp); err != nil {
		return err
	}
	if !resp.Authenticated {
		return apperr.Context(resp.Message)
	}

	s.logger.WithField("domain", parentDomain).Debug("domain context selected")
	return nil
}

// AddTXTRecord creates the challenge record
func (s *Session) AddTXTRecord(ctx context.Context, record ChallengeRecord) error {
	if err := s.requireLogin(StepRecord); err != nil {
		return err
	}

	body, err := s.do(ctx, StepRecord, http.MethodPost, recordsPath, record.Encode())
	if err != nil {
		return err
	}
	if bytes.Contains(body, []byte(OTPPromptMarker)) {
		return apperr.MissedOTP(StepRecord)
	}

	var resp RecordResponse
	if err := decode(StepRecord, body, &resp); err != nil {
		return err
	}
	if !resp.Status.Value {
		return apperr.Record(resp.FailureMessage())
	}

	s.logger.WithField("zone", record.Zone).Debug("TXT record created")
	return nil
}

func (s *Session) requireLogin(step string) error {
	if !s.loggedIn {
		return apperr.New(apperr.KindAuth, step, "not logged in", nil)
	}
	return nil
}

func (s *Session) postForm(ctx context.Context, step, path, form string, out interface{}) ([]byte, error) {
	body, err := s.do(ctx, step, http.MethodPost, path, form)
	if err != nil {
		return nil, err
	}
	return body, decode(step, body, out)
}

// do sends one request and returns the raw response body
func (s *Session) do(ctx context.Context, step, method, path, form string) ([]byte, error) {
	if s.released {
		return nil, apperr.Transport(step, "session already released", nil)
	}

	var reqBody io.Reader
	if form != "" {
		reqBody = strings.NewReader(form)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, apperr.Transport(step, "failed to create request", err)
	}

	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "application/json")
	if form != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	s.logger.WithFields(logrus.Fields{"step": step, "method": method, "path": path}).Debug("portal request")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Transport(step, "failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport(step, "failed to read response", err)
	}

	s.logger.WithFields(logrus.Fields{"step": step, "status": resp.StatusCode}).Debug("portal response")
	return body, nil
}

func decode(step string, body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Transport(step, "failed to parse response", err)
	}
	return nil
}
