package ir

import (
	"encoding/json"
	"fmt"
)

// Certificate is a node in the authorization tree.
//
// Serialized is the canonical JSON of every field above it and is the exact
// text the parent signed. PrivateKey is only set on certificates this
// instance owns and is never exchanged.
type Certificate struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id"`
	Profile           string            `json:"profile"`
	Salt              string            `json:"salt"`
	ScopeDefinitionID string            `json:"scope_definition_id"`
	ScopeVersion      int               `json:"scope_version"`
	ScopeParams       map[string]string `json:"scope_params"`
	PublicKey         string            `json:"public_key"`
	Serialized        string            `json:"-"`
	Signature         string            `json:"-"`
	PrivateKey        string            `json:"-"`
}

// IsRoot reports whether c is a self-signed source of authority.
func (c Certificate) IsRoot() bool {
	return c.ParentID == ""
}

// HasPrivateKey reports whether this instance owns c.
func (c Certificate) HasPrivateKey() bool {
	return c.PrivateKey != ""
}

// Content returns the canonical signed content of c.
func (c Certificate) Content() (string, error) {
	params := c.ScopeParams
	if params == nil {
		params = map[string]string{}
	}
	data, err := MarshalCanonical(map[string]any{
		"id":                  c.ID,
		"parent_id":           c.ParentID,
		"profile":             c.Profile,
		"salt":                c.Salt,
		"scope_definition_id": c.ScopeDefinitionID,
		"scope_version":       c.ScopeVersion,
		"scope_params":        params,
		"public_key":          c.PublicKey,
	})
	if err != nil {
		return "", fmt.Errorf("certificate %s: %w", c.ID, err)
	}
	return string(data), nil
}

// Envelope returns the exchangeable form of c.
func (c Certificate) Envelope() CertificateEnvelope {
	return CertificateEnvelope{ID: c.ID, Serialized: c.Serialized, Signature: c.Signature}
}

// CertificateFromEnvelope decodes the signed content of env. The signature is
// carried over unverified, and the outer ID must match the signed one.
func CertificateFromEnvelope(env CertificateEnvelope) (Certificate, error) {
	var c Certificate
	if err := json.Unmarshal([]byte(env.Serialized), &c); err != nil {
		return Certificate{}, fmt.Errorf("certificate %s: invalid serialized content: %w", env.ID, err)
	}
	if c.ID != env.ID {
		return Certificate{}, fmt.Errorf("certificate envelope id %s does not match content id %s", env.ID, c.ID)
	}
	c.Serialized = env.Serialized
	c.Signature = env.Signature
	return c, nil
}
