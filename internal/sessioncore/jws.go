// Package sessioncore signs and verifies the opaque session identifiers
// exchanged with HTTP clients. The identifier on the wire is a compact JWS
// binding the internal session id to the authenticated user, so a stolen or
// fabricated Mcp-Session-Id header cannot be replayed across users.
package sessioncore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// SignerVerifier provides the minimal JWS operations the wire codec needs.
type SignerVerifier interface {
	// Sign returns a compact JWS over payload using the active key.
	Sign(payload []byte) (string, error)
	// Verify parses a compact JWS, checks its signature, and returns the
	// payload and the kid that signed it.
	Verify(token string) (payload []byte, kid string, err error)
}

// Keyring is an in-memory Ed25519 key set with one active signing key.
// Old keys stay registered so identifiers signed before a rotation keep
// verifying.
type Keyring struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// KeyringFromSeed builds a single-key ring from a 32-byte Ed25519 seed.
func KeyringFromSeed(kid string, seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	k := NewKeyring()
	k.AddEd25519Key(kid, ed25519.NewKeyFromSeed(seed))
	if err := k.SetActive(kid); err != nil {
		return nil, err
	}
	return k, nil
}

// EphemeralKeyring generates a fresh key pair. Identifiers signed with it
// stop verifying when the process restarts, so it suits single-instance
// deployments without configured keys.
func EphemeralKeyring() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session signing key: %w", err)
	}
	k := NewKeyring()
	k.AddEd25519Key("ephemeral", priv)
	if err := k.SetActive("ephemeral"); err != nil {
		return nil, err
	}
	return k, nil
}

// AddEd25519Key registers a key pair under kid without changing the active key.
func (k *Keyring) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (k *Keyring) SetActive(kid string) error {
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

func (k *Keyring) ActiveKID() string { return k.activeKid }

func (k *Keyring) Sign(payload []byte) (string, error) {
	if k.activeKid == "" {
		return "", fmt.Errorf("no active signing key configured")
	}
	priv, ok := k.privKeys[k.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", k.activeKid)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize jws: %w", err)
	}
	return compact, nil
}

func (k *Keyring) Verify(token string) ([]byte, string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", fmt.Errorf("parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", fmt.Errorf("unexpected signature count: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := k.pubKeys[kid]
	if !ok {
		return nil, kid, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, kid, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, kid, nil
}

var _ SignerVerifier = (*Keyring)(nil)
