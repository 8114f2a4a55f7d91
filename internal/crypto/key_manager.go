package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMasterKeyNotSet  = errors.New("master key not set")
	ErrInvalidMasterKey = errors.New("invalid master key: must be base64 of at least 32 bytes")
)

const (
	purposeAccessToken = "safe-replies/access-token"
	purposeReporter    = "safe-replies/threat-reporter"
)

// KeyManager derives purpose-bound keys from one master secret.
type KeyManager struct {
	tokenKey    []byte
	reporterKey []byte
}

// NewKeyManager creates a key manager from a base64 master secret.
func NewKeyManager(masterKeyB64 string) (*KeyManager, error) {
	if masterKeyB64 == "" {
		return nil, ErrMasterKeyNotSet
	}

	master, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil || len(master) < 32 {
		return nil, ErrInvalidMasterKey
	}

	tokenKey, err := derive(master, purposeAccessToken)
	if err != nil {
		return nil, err
	}
	reporterKey, err := derive(master, purposeReporter)
	if err != nil {
		return nil, err
	}

	return &KeyManager{tokenKey: tokenKey, reporterKey: reporterKey}, nil
}

func derive(master []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealToken encrypts an access token for storage.
func (km *KeyManager) SealToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return Encrypt(token, km.tokenKey)
}

// OpenToken decrypts a stored access token.
func (km *KeyManager) OpenToken(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	return Decrypt(stored, km.tokenKey)
}

// ReporterHash is a keyed hash of a tenant key. Without the server key the
// hash cannot be matched to a tenant.
func (km *KeyManager) ReporterHash(tenantKey string) string {
	mac := hmac.New(sha256.New, km.reporterKey)
	mac.Write([]byte(tenantKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashIdentity is the one-way hash of a platform commenter id used by the
// global threat network. It is deterministic so reads and writes agree.
func HashIdentity(platformID string) string {
	sum := sha256.Sum256([]byte(platformID))
	return hex.EncodeToString(sum[:])
}
