package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/civisync/civisync/internal/domain"
)

// Verifier checks the authentication proof presented to decrypting reads.
type Verifier interface {
	Verify(proof []byte) error
}

// SessionVerifier issues a proof at unlock time (after the caller passed
// whatever device authentication the host app enforces) and accepts only
// HMAC-matching presentations of it afterwards.
type SessionVerifier struct {
	secret []byte
}

func NewSessionVerifier() (*SessionVerifier, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, domain.NewEncryptionFailureError(err)
	}
	return &SessionVerifier{secret: secret}, nil
}

// Issue returns the proof the current session may present to Verify.
func (v *SessionVerifier) Issue() []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte("civisync-read-proof"))
	return mac.Sum(nil)
}

func (v *SessionVerifier) Verify(proof []byte) error {
	if len(proof) == 0 || !hmac.Equal(proof, v.Issue()) {
		return domain.NewAuthenticationRequiredError()
	}
	return nil
}
