package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

// SignatureHeader carries the per-payload signature.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// canonical is the string both sides sign: "<entity_id>|<modified_at unix>".
func canonical(entityID int64, modifiedAt time.Time) string {
	return strconv.FormatInt(entityID, 10) + "|" + strconv.FormatInt(modifiedAt.Unix(), 10)
}

// SignPayload returns "sha256=<hex>" of HMAC-SHA256 over the entity id and
// modification time.
func SignPayload(entityID int64, modifiedAt time.Time, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(entityID, modifiedAt)))
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the payload signature and compares it in
// constant time.
func VerifySignature(entityID int64, modifiedAt time.Time, secret, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return syncerr.New(syncerr.ErrAuth, "verify signature", "missing or malformed signature")
	}
	expected := SignPayload(entityID, modifiedAt, secret)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return syncerr.New(syncerr.ErrAuth, "verify signature", "signature mismatch")
	}
	return nil
}
