package certs

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// maxChainDepth bounds parent walks so a corrupted store cannot loop.
const maxChainDepth = 64

func invalidChain(cert ir.Certificate, format string, args ...any) error {
	return ir.NewError(ir.ErrCodeInvalidChain, "certificate %s: %s", cert.ID, fmt.Sprintf(format, args...))
}

// Check verifies a single link: the derived ID, the canonical content, the
// signature, and the scope rules against parent. A nil parent means cert
// must be a self-signed root whose every filter entry lives under its own
// ID.
func Check(ctx context.Context, defs Definitions, cert ir.Certificate, parent *ir.Certificate) error {
	id, err := ir.CertificateID(cert.PublicKey, cert.Profile, cert.Salt)
	if err != nil {
		return invalidChain(cert, "%v", err)
	}
	if id != cert.ID {
		return invalidChain(cert, "id should be %s", id)
	}
	content, err := cert.Content()
	if err != nil {
		return invalidChain(cert, "%v", err)
	}
	if content != cert.Serialized {
		return invalidChain(cert, "serialized content is not canonical")
	}

	scope, err := ScopeOf(ctx, defs, cert)
	if err != nil {
		return invalidChain(cert, "%v", err)
	}

	if parent == nil {
		if !cert.IsRoot() {
			return invalidChain(cert, "parent %s is missing", cert.ParentID)
		}
		pub, err := ParsePublicKey(cert.PublicKey)
		if err != nil {
			return invalidChain(cert, "%v", err)
		}
		if !pub.Verify(cert.Serialized, cert.Signature) {
			return invalidChain(cert, "self signature is invalid")
		}
		for _, item := range scope.Read.Union(scope.Write) {
			if !partition.Contains(cert.ID, item) {
				return invalidChain(cert, "root scope entry %q is outside primary partition", item)
			}
		}
		return nil
	}

	if cert.ParentID != parent.ID {
		return invalidChain(cert, "declared parent %s, got %s", cert.ParentID, parent.ID)
	}
	pub, err := ParsePublicKey(parent.PublicKey)
	if err != nil {
		return invalidChain(cert, "parent key: %v", err)
	}
	if !pub.Verify(cert.Serialized, cert.Signature) {
		return invalidChain(cert, "signature by parent %s is invalid", parent.ID)
	}
	if cert.Profile != parent.Profile {
		return invalidChain(cert, "profile %s differs from parent profile %s", cert.Profile, parent.Profile)
	}
	parentScope, err := ScopeOf(ctx, defs, *parent)
	if err != nil {
		return invalidChain(cert, "parent scope: %v", err)
	}
	if !scope.IsSubsetOf(parentScope) {
		return invalidChain(cert, "scope expands parent %s", parent.ID)
	}
	return nil
}

// VerifyChain walks parent links from cert to the root, checking every
// link. Parents are resolved through store.
func VerifyChain(ctx context.Context, defs Definitions, store Certificates, cert ir.Certificate) error {
	cur := cert
	for depth := 0; ; depth++ {
		if depth > maxChainDepth {
			return invalidChain(cert, "chain deeper than %d", maxChainDepth)
		}
		if cur.IsRoot() {
			return Check(ctx, defs, cur, nil)
		}
		parent, err := store.GetCertificate(ctx, cur.ParentID)
		if err != nil {
			if ir.IsNotFound(err) {
				return invalidChain(cur, "parent %s is missing", cur.ParentID)
			}
			return err
		}
		if err := Check(ctx, defs, cur, &parent); err != nil {
			return err
		}
		cur = parent
	}
}

// Chain returns the envelopes from the root down to leafID.
func Chain(ctx context.Context, store Certificates, leafID string) ([]ir.CertificateEnvelope, error) {
	var chain []ir.CertificateEnvelope
	id := leafID
	for depth := 0; id != ""; depth++ {
		if depth > maxChainDepth {
			return nil, fmt.Errorf("certificate %s: chain deeper than %d", leafID, maxChainDepth)
		}
		cert, err := store.GetCertificate(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert.Envelope())
		id = cert.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// SaveChain verifies a root-first chain and persists every certificate not
// yet known. Verification stops at the deepest certificate already stored,
// since it was verified when it was saved. It returns the leaf.
func SaveChain(ctx context.Context, defs Definitions, store Certificates, chain []ir.CertificateEnvelope) (ir.Certificate, error) {
	if len(chain) == 0 {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeInvalidChain, "empty certificate chain")
	}
	if len(chain) > maxChainDepth {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeInvalidChain, "chain longer than %d", maxChainDepth)
	}

	decoded := make([]ir.Certificate, len(chain))
	for i, env := range chain {
		cert, err := ir.CertificateFromEnvelope(env)
		if err != nil {
			return ir.Certificate{}, ir.WrapError(ir.ErrCodeInvalidChain, err, "decode chain")
		}
		if i > 0 && cert.ParentID != decoded[i-1].ID {
			return ir.Certificate{}, invalidChain(cert, "parent %s is not the previous chain entry %s", cert.ParentID, decoded[i-1].ID)
		}
		decoded[i] = cert
	}

	// Find the deepest known certificate.
	known := -1
	for i := len(decoded) - 1; i >= 0; i-- {
		stored, err := store.GetCertificate(ctx, decoded[i].ID)
		if err == nil {
			decoded[i] = stored
			known = i
			break
		}
		if !ir.IsNotFound(err) {
			return ir.Certificate{}, err
		}
	}
	if known == len(decoded)-1 {
		return decoded[known], nil
	}
	if known < 0 && !decoded[0].IsRoot() {
		return ir.Certificate{}, invalidChain(decoded[0], "first certificate in chain must be a root")
	}

	for i := known + 1; i < len(decoded); i++ {
		var parent *ir.Certificate
		if i > 0 {
			parent = &decoded[i-1]
		}
		if err := Check(ctx, defs, decoded[i], parent); err != nil {
			return ir.Certificate{}, err
		}
		if err := store.SaveCertificate(ctx, decoded[i]); err != nil {
			return ir.Certificate{}, fmt.Errorf("save certificate %s: %w", decoded[i].ID, err)
		}
	}
	return decoded[len(decoded)-1], nil
}
