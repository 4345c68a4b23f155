package certs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	ec "github.com/btcsuite/btcd/btcec"
)

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *ec.PrivateKey
}

// PublicKey is a secp256k1 verification key.
type PublicKey struct {
	key *ec.PublicKey
}

// GenerateKey creates a new random private key.
func GenerateKey() (*PrivateKey, error) {
	k, err := ec.NewPrivateKey(ec.S256())
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// ParsePrivateKey decodes a hex private key as produced by PrivateKey.String.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key encoding")
	}
	k, _ := ec.PrivKeyFromBytes(ec.S256(), b)
	return &PrivateKey{key: k}, nil
}

// String returns the hex encoding of the raw key.
func (p *PrivateKey) String() string {
	return hex.EncodeToString(p.key.Serialize())
}

// PublicKey returns the matching public key.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: p.key.PubKey()}
}

// Sign returns the hex DER signature over SHA256(message).
func (p *PrivateKey) Sign(message string) (string, error) {
	hash := sha256.Sum256([]byte(message))
	sig, err := p.key.Sign(hash[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// ParsePublicKey decodes a hex compressed or uncompressed public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	k, err := ec.ParsePubKey(b, ec.S256())
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return &PublicKey{key: k}, nil
}

// String returns the hex compressed encoding.
func (p *PublicKey) String() string {
	return hex.EncodeToString(p.key.SerializeCompressed())
}

// Verify reports whether signature is a valid signature of message.
func (p *PublicKey) Verify(message, signature string) bool {
	b, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, err := ec.ParseDERSignature(b, ec.S256())
	if err != nil {
		return false
	}
	hash := sha256.Sum256([]byte(message))
	return sig.Verify(hash[:], p.key)
}
