package certs

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// Definitions resolves scope definitions by ID.
type Definitions interface {
	GetScopeDefinition(ctx context.Context, id string) (partition.ScopeDefinition, error)
}

// Certificates reads and persists certificates. GetCertificate returns an
// ir NOT_FOUND error for unknown IDs.
type Certificates interface {
	GetCertificate(ctx context.Context, id string) (ir.Certificate, error)
	SaveCertificate(ctx context.Context, cert ir.Certificate) error
}

// ScopeOf instantiates the scope granted by cert.
func ScopeOf(ctx context.Context, defs Definitions, cert ir.Certificate) (partition.Scope, error) {
	def, err := defs.GetScopeDefinition(ctx, cert.ScopeDefinitionID)
	if err != nil {
		return partition.Scope{}, fmt.Errorf("certificate %s: %w", cert.ID, err)
	}
	return def.Instantiate(cert.ScopeParams)
}

// Authorizes reports whether cert grants op on the given partition.
func Authorizes(ctx context.Context, defs Definitions, cert ir.Certificate, part string, op partition.Operation) (bool, error) {
	scope, err := ScopeOf(ctx, defs, cert)
	if err != nil {
		return false, err
	}
	return scope.Allows(op, part), nil
}

// GenerateRoot creates a self-signed root certificate with a new key. The
// definition must name a primary scope parameter; it receives the new
// certificate's ID so every partition the root grants lives under it.
func GenerateRoot(ctx context.Context, defs Definitions, scopeDefinitionID string, extraParams map[string]string) (ir.Certificate, error) {
	def, err := defs.GetScopeDefinition(ctx, scopeDefinitionID)
	if err != nil {
		return ir.Certificate{}, err
	}
	if def.PrimaryScopeParamKey == "" {
		return ir.Certificate{}, fmt.Errorf("scope definition %s has no primary_scope_param_key and cannot back a root certificate", def.ID)
	}

	key, err := GenerateKey()
	if err != nil {
		return ir.Certificate{}, err
	}
	cert := ir.Certificate{
		Profile:           def.Profile,
		Salt:              newSalt(),
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		PublicKey:         key.PublicKey().String(),
		PrivateKey:        key.String(),
	}
	if cert.ID, err = ir.CertificateID(cert.PublicKey, cert.Profile, cert.Salt); err != nil {
		return ir.Certificate{}, err
	}

	params := make(map[string]string, len(extraParams)+1)
	for k, v := range extraParams {
		params[k] = v
	}
	params[def.PrimaryScopeParamKey] = cert.ID
	cert.ScopeParams = params

	if _, err := def.Instantiate(params); err != nil {
		return ir.Certificate{}, err
	}
	if err := sign(&cert, key); err != nil {
		return ir.Certificate{}, err
	}
	return cert, nil
}

// IssueRequest describes a child certificate to be signed.
type IssueRequest struct {
	ScopeDefinitionID string
	ScopeParams       map[string]string

	// PublicKey of the child. When empty a new key pair is generated and the
	// returned certificate carries its private key.
	PublicKey string
}

// Issue signs a child of parent with parentKey. It fails with a scope
// violation if the child's scope is not a subset of the parent's.
func Issue(ctx context.Context, defs Definitions, parent ir.Certificate, parentKey *PrivateKey, req IssueRequest) (ir.Certificate, error) {
	if parentKey == nil {
		return ir.Certificate{}, fmt.Errorf("certificate %s: private key required to issue children", parent.ID)
	}
	if parentKey.PublicKey().String() != parent.PublicKey {
		return ir.Certificate{}, fmt.Errorf("certificate %s: private key does not match public key", parent.ID)
	}

	def, err := defs.GetScopeDefinition(ctx, req.ScopeDefinitionID)
	if err != nil {
		return ir.Certificate{}, err
	}
	if def.Profile != parent.Profile {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeScopeViolation,
			"child profile %s differs from parent profile %s", def.Profile, parent.Profile)
	}

	childScope, err := def.Instantiate(req.ScopeParams)
	if err != nil {
		return ir.Certificate{}, err
	}
	parentScope, err := ScopeOf(ctx, defs, parent)
	if err != nil {
		return ir.Certificate{}, err
	}
	if !childScope.IsSubsetOf(parentScope) {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeScopeViolation,
			"scope of %s%v is not a subset of certificate %s", def.ID, req.ScopeParams, parent.ID)
	}

	cert := ir.Certificate{
		ParentID:          parent.ID,
		Profile:           parent.Profile,
		Salt:              newSalt(),
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		ScopeParams:       copyParams(req.ScopeParams),
		PublicKey:         req.PublicKey,
	}
	if cert.PublicKey == "" {
		key, err := GenerateKey()
		if err != nil {
			return ir.Certificate{}, err
		}
		cert.PublicKey = key.PublicKey().String()
		cert.PrivateKey = key.String()
	} else if _, err := ParsePublicKey(cert.PublicKey); err != nil {
		return ir.Certificate{}, err
	}
	if cert.ID, err = ir.CertificateID(cert.PublicKey, cert.Profile, cert.Salt); err != nil {
		return ir.Certificate{}, err
	}
	if err := sign(&cert, parentKey); err != nil {
		return ir.Certificate{}, err
	}
	return cert, nil
}

// OwnedKey returns the private key of a certificate this instance owns.
func OwnedKey(cert ir.Certificate) (*PrivateKey, error) {
	if !cert.HasPrivateKey() {
		return nil, fmt.Errorf("certificate %s: no private key held", cert.ID)
	}
	return ParsePrivateKey(cert.PrivateKey)
}

func sign(cert *ir.Certificate, key *PrivateKey) error {
	content, err := cert.Content()
	if err != nil {
		return err
	}
	sig, err := key.Sign(content)
	if err != nil {
		return err
	}
	cert.Serialized = content
	cert.Signature = sig
	return nil
}

func newSalt() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
