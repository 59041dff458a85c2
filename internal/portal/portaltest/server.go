// Package portaltest runs a scripted hosting portal for tests.
package portaltest

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"portal_dns01/internal/auth"
)

const sessionCookie = "portal_session"

// OTPPromptBody is what the portal answers instead of the requested resource
// when the session has not passed the second factor
const OTPPromptBody = `{"redirect":"/login/otp","reason":"otp_required"}`

// Server is a fake portal. Without options every step succeeds.
type Server struct {
	*httptest.Server

	username  string
	password  string
	otpSecret string // when set, authenticated endpoints require the OTP step
	now       func() time.Time

	// Scripted failures: when non-empty the step is rejected with this message
	loginFailure   string
	otpFailure     string
	contextFailure string

	// Raw answers overriding the default behaviour of a step
	contextBody string
	recordBody  string

	mu           sync.Mutex
	sessions     map[string]*session
	hits         map[string]int
	recordBodies []string
	contextPaths []string
	calls        []string
}

type session struct {
	primed      bool
	otpVerified bool
}

// Option scripts the portal's behaviour
type Option func(*Server)

// WithOTP requires the second factor for the given base32 secret, checked
// against clock
func WithOTP(secret string, clock func() time.Time) Option {
	return func(s *Server) {
		s.otpSecret = secret
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLoginFailure rejects every login with message
func WithLoginFailure(message string) Option {
	return func(s *Server) { s.loginFailure = message }
}

// WithOTPFailure rejects every one-time code with message
func WithOTPFailure(message string) Option {
	return func(s *Server) { s.otpFailure = message }
}

// WithContextFailure rejects every context switch with message
func WithContextFailure(message string) Option {
	return func(s *Server) { s.contextFailure = message }
}

// WithContextBody answers every context switch with body
func WithContextBody(body string) Option {
	return func(s *Server) { s.contextBody = body }
}

// WithRecordBody answers every record creation with body
func WithRecordBody(body string) Option {
	return func(s *Server) { s.recordBody = body }
}

// New starts a portal that accepts username/password
func New(username, password string, opts ...Option) *Server {
	s := &Server{
		username: username,
		password: password,
		now:      time.Now,
		sessions: make(map[string]*session),
		hits:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// Hits returns how many requests reached a step ("login", "otp-prime", "otp",
// "context", "record")
func (s *Server) Hits(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[step]
}

// Calls returns the steps in the order they were requested
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// RecordBodies returns the raw bodies received by the record endpoint
func (s *Server) RecordBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recordBodies...)
}

// ContextPaths returns the raw request paths received by the context endpoint
func (s *Server) ContextPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.contextPaths...)
}

func (s *Server) router() http.Handler {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(s.requireAJAX)

	r.POST("/login", s.handleLogin)
	r.GET("/login/otp", s.handleOTPPage)
	r.POST("/login/otp", s.handleOTP)
	r.GET("/domains/:domain/select/:encoded", s.handleContext)
	r.POST("/dns/records", s.handleRecord)
	return r
}

func (s *Server) requireAJAX(c *gin.Context) {
	if c.GetHeader("X-Requested-With") != "XMLHttpRequest" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "not an AJAX request"})
		return
	}
	c.Next()
}

func (s *Server) record(step string) {
	s.hits[step]++
	s.calls = append(s.calls, step)
}

// current returns the caller's session, or nil
func (s *Server) current(c *gin.Context) *session {
	id, err := c.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return s.sessions[id]
}

// authorized writes the portal's reply for an unauthenticated or
// second-factor-pending session and reports whether the request may proceed
func (s *Server) authorized(c *gin.Context) bool {
	sess := s.current(c)
	if sess == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"authenticated": false, "status": false, "message": "session expired"})
		return false
	}
	if s.otpSecret != "" && !sess.otpVerified {
		c.Data(http.StatusOK, "application/json", []byte(OTPPromptBody))
		return false
	}
	return true
}

func (s *Server) handleLogin(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("login")

	if s.loginFailure != "" {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": s.loginFailure})
		return
	}
	if c.PostForm("username") != s.username || c.PostForm("password") != s.password || c.PostForm("path") != "/" {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "invalid username or password"})
		return
	}

	id := newSessionID()
	s.sessions[id] = &session{}
	c.SetCookie(sessionCookie, id, 0, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": ""})
}

func (s *Server) handleOTPPage(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("otp-prime")

	if sess := s.current(c); sess != nil {
		sess.primed = true
	}
	c.Data(http.StatusOK, "text/html", []byte("<html><form id=\"otp\"></form></html>"))
}

func (s *Server) handleOTP(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("otp")

	sess := s.current(c)
	switch {
	case s.otpFailure != "":
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": s.otpFailure})
		return
	case sess == nil || !sess.primed:
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "two-factor session not initialized"})
		return
	case c.PostForm("remember") != "0" || c.PostForm("path") != "/":
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "unexpected form"})
		return
	}

	want, err := auth.GenerateTOTP(s.otpSecret, s.now())
	if err != nil || c.PostForm("code") != want {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "invalid code"})
		return
	}

	sess.otpVerified = true
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleContext(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("context")
	s.contextPaths = append(s.contextPaths, c.Request.URL.EscapedPath())

	if s.contextBody != "" {
		c.Data(http.StatusOK, "application/json", []byte(s.contextBody))
		return
	}
	if !s.authorized(c) {
		return
	}
	if s.contextFailure != "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "message": s.contextFailure})
		return
	}

	encoded, err := url.PathUnescape(c.Param("encoded"))
	if err != nil || encoded != c.Param("domain") {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "message": "domain mismatch"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true})
}

func (s *Server) handleRecord(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("record")

	raw, _ := c.GetRawData()
	s.recordBodies = append(s.recordBodies, string(raw))

	if s.recordBody != "" {
		c.Data(http.StatusOK, "application/json", []byte(s.recordBody))
		return
	}
	if !s.authorized(c) {
		return
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil || form.Get("type") != "TXT" || form.Get("ttl") != "900" || form.Get("value") == "" {
		c.JSON(http.StatusOK, gin.H{"status": false, "message": "invalid record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "message": "record created"})
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
