package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodePassword obfuscates a plain text password for storage in the account file.
// It is an encoding, not encryption: anyone who can read the file can decode it.
func EncodePassword(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// DecodePassword reverses EncodePassword
func DecodePassword(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to decode password: %w", err)
	}
	return string(raw), nil
}
