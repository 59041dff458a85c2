package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// OTPPeriod is the TOTP time step in seconds
const OTPPeriod = 30

// NormalizeOTPSecret strips the whitespace and dashes authenticator apps use to
// group a base32 secret and upper-cases it.
func NormalizeOTPSecret(secret string) string {
	secret = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return -1
		}
		return r
	}, secret)
	return strings.ToUpper(secret)
}

// GenerateTOTP computes the 6-digit RFC 6238 code (SHA1, 30s step) for a base32
// secret at time t.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	secret = NormalizeOTPSecret(secret)
	if secret == "" {
		return "", fmt.Errorf("OTP secret is empty")
	}

	code, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    OTPPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP code: %w", err)
	}
	return code, nil
}
