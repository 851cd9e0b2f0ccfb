package hub

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// AuthService performs the token checks this subsystem delegates to. It
// classifies callers; everything beyond that (role/tenant policy) is the
// responsibility of whoever calls the admin API.
type AuthService struct {
	cfg *Config
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// ValidateAdminToken checks the bearer token for the admin API.
func (a *AuthService) ValidateAdminToken(token string) bool {
	if a.cfg.AdminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.cfg.AdminToken), []byte(token)) == 1
}

// ValidateDeviceToken checks the shared connect token presented by a device.
// Always true when no token is configured.
func (a *AuthService) ValidateDeviceToken(token string) bool {
	if a.cfg.DeviceToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.cfg.DeviceToken), []byte(token)) == 1
}

// VerifyOperatorKey checks the key carried in an authenticate envelope
// against the configured bcrypt hash. Always true when no hash is configured.
func (a *AuthService) VerifyOperatorKey(key string) bool {
	if a.cfg.OperatorKeyHash == "" {
		return true
	}
	err := bcrypt.CompareHashAndPassword([]byte(a.cfg.OperatorKeyHash), []byte(key))
	return err == nil
}
