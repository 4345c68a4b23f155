package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

const certificateColumns = `id, parent_id, profile, salt, scope_definition_id, scope_version,
	scope_params, public_key, serialized, signature, private_key`

// SaveCertificate persists cert. Certificates are immutable: a second save
// of the same ID only fills in a private key that was missing.
func (s *Store) SaveCertificate(ctx context.Context, cert ir.Certificate) error {
	params, err := marshalParams(cert.ScopeParams)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO certificates (`+certificateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key = excluded.private_key
		WHERE certificates.private_key = '' AND excluded.private_key != ''
	`,
		cert.ID, cert.ParentID, cert.Profile, cert.Salt, cert.ScopeDefinitionID, cert.ScopeVersion,
		params, cert.PublicKey, cert.Serialized, cert.Signature, cert.PrivateKey,
	)
	if err != nil {
		return fmt.Errorf("save certificate %s: %w", cert.ID, err)
	}
	s.certs.Remove(cert.ID)
	return nil
}

// GetCertificate returns a certificate by ID, or an ir NOT_FOUND error.
// Lookups are served from an LRU cache after the first read.
func (s *Store) GetCertificate(ctx context.Context, id string) (ir.Certificate, error) {
	if v, ok := s.certs.Get(id); ok {
		return v.(ir.Certificate), nil
	}
	row := s.q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
	cert, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Certificate{}, ir.NewError(ir.ErrCodeNotFound, "certificate %s", id)
	}
	if err != nil {
		return ir.Certificate{}, err
	}
	if !s.inTx {
		s.certs.Add(id, cert)
	}
	return cert, nil
}

// CertificateQuery selects certificates for ListCertificates.
type CertificateQuery struct {
	Profile   string
	OwnedOnly bool
}

// ListCertificates returns matching certificates ordered by ID.
func (s *Store) ListCertificates(ctx context.Context, q CertificateQuery) ([]ir.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE 1 = 1`
	var args []any
	if q.Profile != "" {
		query += ` AND profile = ?`
		args = append(args, q.Profile)
	}
	if q.OwnedOnly {
		query += ` AND private_key != ''`
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	out := []ir.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func scanCertificate(r rowScanner) (ir.Certificate, error) {
	var (
		c      ir.Certificate
		params string
	)
	err := r.Scan(&c.ID, &c.ParentID, &c.Profile, &c.Salt, &c.ScopeDefinitionID, &c.ScopeVersion,
		&params, &c.PublicKey, &c.Serialized, &c.Signature, &c.PrivateKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Certificate{}, err
		}
		return ir.Certificate{}, fmt.Errorf("scan certificate: %w", err)
	}
	if c.ScopeParams, err = unmarshalParams(params); err != nil {
		return ir.Certificate{}, err
	}
	return c, nil
}

// SaveScopeDefinition inserts or replaces a scope definition.
func (s *Store) SaveScopeDefinition(ctx context.Context, d partition.ScopeDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO scope_definitions
		(id, profile, version, primary_scope_param_key, description,
		 read_filter_template, write_filter_template, read_write_filter_template)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profile = excluded.profile,
			version = excluded.version,
			primary_scope_param_key = excluded.primary_scope_param_key,
			description = excluded.description,
			read_filter_template = excluded.read_filter_template,
			write_filter_template = excluded.write_filter_template,
			read_write_filter_template = excluded.read_write_filter_template
	`, d.ID, d.Profile, d.Version, d.PrimaryScopeParamKey, d.Description,
		d.ReadFilterTemplate, d.WriteFilterTemplate, d.ReadWriteFilterTemplate)
	if err != nil {
		return fmt.Errorf("save scope definition %s: %w", d.ID, err)
	}
	return nil
}

// GetScopeDefinition returns a scope definition, or an ir NOT_FOUND error.
func (s *Store) GetScopeDefinition(ctx context.Context, id string) (partition.ScopeDefinition, error) {
	var d partition.ScopeDefinition
	err := s.q.QueryRowContext(ctx, `
		SELECT id, profile, version, primary_scope_param_key, description,
		       read_filter_template, write_filter_template, read_write_filter_template
		FROM scope_definitions WHERE id = ?
	`, id).Scan(&d.ID, &d.Profile, &d.Version, &d.PrimaryScopeParamKey, &d.Description,
		&d.ReadFilterTemplate, &d.WriteFilterTemplate, &d.ReadWriteFilterTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return partition.ScopeDefinition{}, ir.NewError(ir.ErrCodeNotFound, "scope definition %s", id)
	}
	if err != nil {
		return partition.ScopeDefinition{}, fmt.Errorf("get scope definition %s: %w", id, err)
	}
	return d, nil
}

// ListScopeDefinitions returns all scope definitions ordered by ID.
func (s *Store) ListScopeDefinitions(ctx context.Context) ([]partition.ScopeDefinition, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, profile, version, primary_scope_param_key, description,
		       read_filter_template, write_filter_template, read_write_filter_template
		FROM scope_definitions ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scope definitions: %w", err)
	}
	defer rows.Close()

	out := []partition.ScopeDefinition{}
	for rows.Next() {
		var d partition.ScopeDefinition
		if err := rows.Scan(&d.ID, &d.Profile, &d.Version, &d.PrimaryScopeParamKey, &d.Description,
			&d.ReadFilterTemplate, &d.WriteFilterTemplate, &d.ReadWriteFilterTemplate); err != nil {
			return nil, fmt.Errorf("scan scope definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateNonce stores a single-use handshake nonce.
func (s *Store) CreateNonce(ctx context.Context, id string, now time.Time, ip string) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO nonces (id, created_at, ip) VALUES (?, ?, ?)`, id, toMillis(now), ip)
	if err != nil {
		return fmt.Errorf("create nonce: %w", err)
	}
	return nil
}

// UseNonce consumes a nonce. It fails with NONCE_INVALID if the nonce is
// unknown or older than ttl; either way the nonce is gone afterwards.
func (s *Store) UseNonce(ctx context.Context, id string, now time.Time, ttl time.Duration) error {
	var created int64
	err := s.WithTx(ctx, func(tx *Store) error {
		err := tx.q.QueryRowContext(ctx, `SELECT created_at FROM nonces WHERE id = ?`, id).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NewError(ir.ErrCodeNonceInvalid, "nonce does not exist")
		}
		if err != nil {
			return fmt.Errorf("use nonce: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM nonces WHERE id = ?`, id); err != nil {
			return fmt.Errorf("use nonce: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if age := now.Sub(fromMillis(created)); age < 0 || age >= ttl {
		return ir.NewError(ir.ErrCodeNonceInvalid, "nonce expired")
	}
	return nil
}

// PurgeNonces deletes nonces created before cutoff.
func (s *Store) PurgeNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM nonces WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge nonces: %w", err)
	}
	return res.RowsAffected()
}
