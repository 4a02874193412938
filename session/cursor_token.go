package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/hazelstream/substream/model"
)

// CursorTokenIssuer mints the opaque cursor_token carried on every
// streamed batch and can check a token against a cursor. The session
// only mints tokens; commits are not checked against them
// (SPEC_FULL.md §5 feature #3, grounded on original_source
// CursorTokenService usage in StreamingContext).
type CursorTokenIssuer interface {
	Issue(cursor model.Cursor) string
	Verify(cursor model.Cursor, token string) bool
}

var _ CursorTokenIssuer = (*HMACCursorTokenIssuer)(nil)

// HMACCursorTokenIssuer signs {partitionKey, offset, timelineId} with
// an HMAC keyed by the secret it is constructed with.
type HMACCursorTokenIssuer struct {
	secret []byte
}

func NewHMACCursorTokenIssuer(secret []byte) *HMACCursorTokenIssuer {
	return &HMACCursorTokenIssuer{secret: secret}
}

func (h *HMACCursorTokenIssuer) Issue(cursor model.Cursor) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(cursor.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *HMACCursorTokenIssuer) Verify(cursor model.Cursor, token string) bool {
	expected := h.Issue(cursor)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
