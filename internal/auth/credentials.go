package auth

import (
	"time"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

// Credential is the shared secret for one peer. Secret is never logged.
type Credential struct {
	ID     string `mapstructure:"id" json:"id"`
	Secret string `mapstructure:"secret" json:"-"`
}

// String hides the secret from fmt and log output.
func (c Credential) String() string {
	return "credential(" + c.ID + ")"
}

// Keyring is the set of credentials a receiver accepts.
type Keyring []Credential

// Request is what a receiver knows about an inbound call before trusting it.
type Request struct {
	Token      string
	Signature  string
	EntityID   int64
	ModifiedAt time.Time
}

// Authenticate tries every credential and returns the first one for which
// both the bearer token and the payload signature verify.
func (k Keyring) Authenticate(req Request, now time.Time) (Credential, *Claims, error) {
	if len(k) == 0 {
		return Credential{}, nil, syncerr.New(syncerr.ErrAuth, "authenticate", "no credentials configured")
	}
	for _, cred := range k {
		claims, err := VerifyToken(req.Token, cred.Secret, now)
		if err != nil {
			continue
		}
		if err := VerifySignature(req.EntityID, req.ModifiedAt, cred.Secret, req.Signature); err != nil {
			continue
		}
		return cred, claims, nil
	}
	return Credential{}, nil, syncerr.New(syncerr.ErrAuth, "authenticate", "no credential matched")
}

// AuthenticateToken is Authenticate without a payload signature, used by
// endpoints that carry raw bytes instead of an entity.
func (k Keyring) AuthenticateToken(token string, now time.Time) (Credential, *Claims, error) {
	for _, cred := range k {
		claims, err := VerifyToken(token, cred.Secret, now)
		if err == nil {
			return cred, claims, nil
		}
	}
	return Credential{}, nil, syncerr.New(syncerr.ErrAuth, "authenticate", "no credential matched")
}
