package challenge

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"portal_dns01/internal/apperr"
	"portal_dns01/internal/auth"
	"portal_dns01/internal/config"
	"portal_dns01/internal/domainutil"
	"portal_dns01/internal/portal"
)

// State is a position in the challenge flow
type State string

// Flow states
const (
	StateStart             State = "START"
	StateCredentialsLoaded State = "CREDENTIALS_LOADED"
	StateLoggedIn          State = "LOGGED_IN"
	StateOTPVerified       State = "OTP_VERIFIED"
	StateContextSet        State = "CONTEXT_SET"
	StateRecordAdded       State = "RECORD_ADDED"
	StateCleanedUp         State = "CLEANED_UP"
	StateEnd               State = "END"
	StateFailExit          State = "FAIL_EXIT"
)

// Options configures a Runner
type Options struct {
	BaseURL       string
	SwitchContext bool
	HTTPClient    *http.Client
	Logger        *logrus.Entry

	// Now is the clock used for one-time codes. Defaults to time.Now.
	Now func() time.Time

	// OnCleanup is called once per run, right after the session is released.
	// The session is nil when the run failed before one was created.
	OnCleanup func(*portal.Session)
}

// Runner publishes DNS-01 challenge records through the portal, one record
// per run, each run with its own session
type Runner struct {
	creds  config.Credentials
	opts   Options
	logger *logrus.Entry
}

// Result describes a finished run
type Result struct {
	RunID string
	State State   // terminal state: StateEnd or StateFailExit
	Trace []State // every state the run passed through, in order
}

// run is the state of a single invocation
type run struct {
	id      string
	state   State
	trace   []State
	session *portal.Session
	logger  *logrus.Entry
}

func (r *run) transition(next State) {
	r.state = next
	r.trace = append(r.trace, next)
	r.logger.WithField("state", next).Debug("state transition")
}

// NewRunner creates a runner for one account
func NewRunner(creds config.Credentials, opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		creds:  creds,
		opts:   opts,
		logger: logger.WithField("component", "challenge-runner"),
	}
}

// AddRecord creates the TXT record fqdn=value. The session is released exactly
// once before AddRecord returns, whatever step failed.
func (r *Runner) AddRecord(ctx context.Context, fqdn, value string) (result *Result, err error) {
	id := uuid.NewString()
	st := &run{
		id:     id,
		logger: r.logger.WithFields(logrus.Fields{"run_id": id, "fqdn": fqdn}),
	}
	st.transition(StateStart)

	defer func() {
		if st.session != nil {
			st.session.Release()
		}
		st.transition(StateCleanedUp)
		if r.opts.OnCleanup != nil {
			r.opts.OnCleanup(st.session)
		}

		if err != nil {
			st.transition(StateFailExit)
			st.logger.WithError(err).Error("challenge record failed")
		} else {
			st.transition(StateEnd)
			st.logger.Info("challenge record added")
		}
		result = &Result{RunID: st.id, State: st.state, Trace: st.trace}
	}()

	record, parent, err := r.prepare(fqdn, value)
	if err != nil {
		return nil, err
	}
	st.transition(StateCredentialsLoaded)

	st.session, err = portal.NewSession(portal.Config{
		BaseURL: r.opts.BaseURL,
		Client:  r.opts.HTTPClient,
		Logger:  st.logger,
	})
	if err != nil {
		return nil, err
	}

	if err = st.session.Login(ctx, r.creds.Username, r.creds.Password); err != nil {
		return nil, err
	}
	st.transition(StateLoggedIn)

	if r.creds.HasOTP() {
		if err = r.verifyOTP(ctx, st.session); err != nil {
			return nil, err
		}
		st.transition(StateOTPVerified)
	}

	if r.opts.SwitchContext {
		if err = st.session.SwitchContext(ctx, parent); err != nil {
			return nil, err
		}
		st.transition(StateContextSet)
	}

	if err = st.session.AddTXTRecord(ctx, record); err != nil {
		return nil, err
	}
	st.transition(StateRecordAdded)

	return nil, nil
}

// prepare validates everything that can be checked without the network
func (r *Runner) prepare(fqdn, value string) (portal.ChallengeRecord, string, error) {
	if err := r.creds.Validate(); err != nil {
		return portal.ChallengeRecord{}, "", err
	}
	if value == "" {
		return portal.ChallengeRecord{}, "", apperr.Config("challenge value is required")
	}

	zone, err := domainutil.AbsoluteName(fqdn)
	if err != nil {
		return portal.ChallengeRecord{}, "", apperr.Config(err.Error())
	}

	if r.creds.HasOTP() {
		if _, err := auth.GenerateTOTP(r.creds.OTPSecret, r.opts.Now()); err != nil {
			return portal.ChallengeRecord{}, "", apperr.Config(err.Error())
		}
	}

	parent := ""
	if r.opts.SwitchContext {
		parent, err = domainutil.ParentDomain(fqdn)
		if err != nil {
			return portal.ChallengeRecord{}, "", apperr.Config(err.Error())
		}
	}

	return portal.ChallengeRecord{Zone: zone, Value: value}, parent, nil
}

func (r *Runner) verifyOTP(ctx context.Context, session *portal.Session) error {
	if err := session.PrimeOTP(ctx); err != nil {
		return err
	}

	code, err := auth.GenerateTOTP(r.creds.OTPSecret, r.opts.Now())
	if err != nil {
		return apperr.Config(err.Error())
	}

	return session.VerifyOTP(ctx, code)
}
