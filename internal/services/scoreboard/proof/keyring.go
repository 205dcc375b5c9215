package proof

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring stores root HMAC keys and the active key id for proof signing.
// Per-identity signing keys are derived with HKDF so a leaked identity key
// never exposes the root material.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for proof signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ParseKeys parses a "id:base64,id:base64" keyring specification, the format
// emitted by the hmac-key tool.
func ParseKeys(spec string) (map[string][]byte, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("keyring specification is empty")
	}
	keys := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		keyID, encoded, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("keyring entry %q is not id:base64", part)
		}
		keyID = strings.TrimSpace(keyID)
		if keyID == "" {
			return nil, fmt.Errorf("keyring entry %q has empty key id", part)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", keyID, err)
		}
		if len(raw) < 16 {
			return nil, fmt.Errorf("key %q must be at least 16 bytes", keyID)
		}
		keys[keyID] = raw
	}
	return keys, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Sign produces a "<keyid>:<hex>" signature over payload for one identity
// using the active key.
func (k *Keyring) Sign(identityID string, payload []byte) (string, error) {
	if k == nil {
		return "", fmt.Errorf("proof keyring is not configured")
	}
	key, err := k.deriveKey(k.activeKeyID, identityID)
	if err != nil {
		return "", err
	}
	return k.activeKeyID + ":" + hmacSHA256Hex(key, payload), nil
}

// Verify recomputes the HMAC for payload and compares it to signature in
// constant time. The key id embedded in the signature selects the root key,
// so still-valid proofs survive a key rotation.
func (k *Keyring) Verify(identityID string, payload []byte, signature string) error {
	if k == nil {
		return fmt.Errorf("proof keyring is not configured")
	}
	keyID, digest, ok := strings.Cut(strings.TrimSpace(signature), ":")
	if !ok || strings.TrimSpace(keyID) == "" || strings.TrimSpace(digest) == "" {
		return fmt.Errorf("signature is not keyid:digest")
	}
	rootKey, found := k.keys[keyID]
	if !found {
		return fmt.Errorf("signature key id is unknown")
	}
	key, err := deriveIdentityKey(rootKey, identityID)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, payload)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (k *Keyring) deriveKey(keyID, identityID string) ([]byte, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id is unknown")
	}
	return deriveIdentityKey(rootKey, identityID)
}

func deriveIdentityKey(rootKey []byte, identityID string) ([]byte, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "identity:"+identityID, 32)
	if err != nil {
		return nil, fmt.Errorf("derive identity key: %w", err)
	}
	return key, nil
}

func hmacSHA256Hex(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
