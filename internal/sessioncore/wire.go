package sessioncore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWireID covers any malformed, tampered, or unverifiable wire
// session identifier. Callers treat it as "session not found" and never
// surface the underlying parse detail to clients.
var ErrInvalidWireID = errors.New("invalid session identifier")

type wireClaims struct {
	SessionID string `json:"sid"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
}

// WireCodec converts between internal session ids and the signed
// identifiers placed in the Mcp-Session-Id header.
type WireCodec struct {
	signer SignerVerifier
}

func NewWireCodec(signer SignerVerifier) *WireCodec {
	return &WireCodec{signer: signer}
}

// Encode signs a wire identifier binding sessionID to userID.
func (c *WireCodec) Encode(sessionID, userID string) (string, error) {
	raw, err := json.Marshal(wireClaims{
		SessionID: sessionID,
		Subject:   userID,
		IssuedAt:  time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal wire claims: %w", err)
	}
	return c.signer.Sign(raw)
}

// Decode verifies token and returns the internal session id it names.
// userID must match the bound subject; a mismatch is ErrInvalidWireID, not
// a distinct error, so clients cannot probe for foreign sessions.
func (c *WireCodec) Decode(token, userID string) (string, error) {
	payload, _, err := c.signer.Verify(token)
	if err != nil {
		return "", ErrInvalidWireID
	}
	var claims wireClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidWireID
	}
	if claims.SessionID == "" || claims.Subject != userID {
		return "", ErrInvalidWireID
	}
	return claims.SessionID, nil
}
