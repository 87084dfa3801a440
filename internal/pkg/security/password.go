// Package security holds the credential checks of the HTTP surface.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong username or password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// HashPassword returns the bcrypt hash stored in server.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Credentials is one configured user.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Enabled reports whether authentication is configured.
func (c Credentials) Enabled() bool {
	return c.PasswordHash != ""
}

// Check verifies a username and password against c.
func (c Credentials) Check(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	// Always run bcrypt so a wrong username takes as long as a wrong password.
	hashErr := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password))
	if !userOK || hashErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}
