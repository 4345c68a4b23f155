package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/minio/blake2b-simd"
)

// Domain prefixes for derived identifiers. The version suffix allows the
// derivation to change without colliding with old IDs.
const (
	DomainCertificate = "peersync/certificate/v1"
	DomainInstance    = "peersync/instance/v1"
	DomainRecord      = "peersync/record/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CertificateID derives a certificate ID from its public key, profile and a
// random salt chosen at issuance. The result is 32 hex characters.
func CertificateID(publicKey, profile, salt string) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"public_key": publicKey,
		"profile":    profile,
		"salt":       salt,
	})
	if err != nil {
		return "", fmt.Errorf("CertificateID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCertificate, canonical)[:32], nil
}

// DeriveInstanceID hashes the identity components of an instance into a
// 32 hex character ID: SHA256(BLAKE2b-512(domain + 0x00 + canonical)).
func DeriveInstanceID(databaseID, systemID, nodeID string) (InstanceID, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"database_id": databaseID,
		"system_id":   systemID,
		"node_id":     nodeID,
	})
	if err != nil {
		return "", fmt.Errorf("DeriveInstanceID: failed to marshal: %w", err)
	}
	h := blake2b.New512()
	h.Write([]byte(DomainInstance))
	h.Write([]byte{0x00})
	h.Write(canonical)
	sum := sha256.Sum256(h.Sum(nil))
	return InstanceID(hex.EncodeToString(sum[:])[:InstanceIDLength]), nil
}

// RecordID derives a stable record ID from the owning partition, model and
// application source ID, so two instances creating the same logical row
// agree on its ID.
func RecordID(partition, modelName, sourceID string) string {
	canonical, err := MarshalCanonical(map[string]any{
		"partition":  partition,
		"model_name": modelName,
		"source_id":  sourceID,
	})
	if err != nil {
		// Only strings are marshaled; this cannot fail.
		panic(err)
	}
	return hashWithDomain(DomainRecord, canonical)[:32]
}
