package engine

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/ir"
)

// RequestCertificate asks peer to issue a child of parentID for a key
// generated here. The returned chain is verified and saved, and the new
// leaf keeps its private key so this instance can authenticate with it.
func (e *Engine) RequestCertificate(ctx context.Context, peer Peer, parentID, scopeDefinitionID string, params map[string]string) (ir.Certificate, error) {
	key, err := certs.GenerateKey()
	if err != nil {
		return ir.Certificate{}, err
	}
	var resp ir.CertificateChainResponse
	err = e.retry.Do(ctx, e.logger, "certificate signing request", func() error {
		var err error
		resp, err = peer.SignCertificate(ctx, ir.CertificateSigningRequest{
			ParentID:          parentID,
			ScopeDefinitionID: scopeDefinitionID,
			ScopeParams:       params,
			PublicKey:         key.PublicKey().String(),
		})
		return networkError("certificate signing request", err)
	})
	if err != nil {
		return ir.Certificate{}, err
	}

	leaf, err := certs.SaveChain(ctx, e.store, e.store, resp.Chain)
	if err != nil {
		return ir.Certificate{}, err
	}
	if leaf.PublicKey != key.PublicKey().String() {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeInvalidChain, "issued certificate %s is for another key", leaf.ID)
	}
	if leaf.ParentID != parentID {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeInvalidChain, "issued certificate %s has parent %s, asked for %s", leaf.ID, leaf.ParentID, parentID)
	}
	if leaf.Profile != e.Profile() {
		return ir.Certificate{}, fmt.Errorf("certificate %s is for profile %s, engine serves %s", leaf.ID, leaf.Profile, e.Profile())
	}
	leaf.PrivateKey = key.String()
	if err := e.store.SaveCertificate(ctx, leaf); err != nil {
		return ir.Certificate{}, err
	}
	e.logger.Info("certificate received", "id", leaf.ID, "parent", parentID, "scope", scopeDefinitionID)
	return leaf, nil
}
