package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const (
	RoleOwner        = "OWNER"
	RoleOrganization = "ORGANIZATION"
)

var (
	// ErrDuplicate maps the store's unique keys (account, certificate_id).
	ErrDuplicate = errors.New("duplicate record")
	// ErrOwnerExists enforces the single system-wide OWNER identity.
	ErrOwnerExists = errors.New("an owner identity already exists")
	ErrNotFound    = errors.New("record not found")
)

// Identity is a ledger principal. SigningKey is the credential held
// exclusively for this account; it is handed to the ledger client at call
// time and never serialized outward.
type Identity struct {
	Account    string    `json:"account"`
	Role       string    `json:"role"`
	SigningKey string    `json:"-"`
	Authorized bool      `json:"authorized"`
	CreatedAt  time.Time `json:"created_at"`
}

type Certificate struct {
	CertificateID string     `json:"certificate_id"`
	RecipientName string     `json:"recipient_name"`
	CourseName    string     `json:"course_name"`
	IssuedAt      time.Time  `json:"issued_at"`
	IssuerAccount string     `json:"issuer_account"`
	Fingerprint   string     `json:"fingerprint"`
	TxRef         string     `json:"tx_ref"`
	BlockNumber   int64      `json:"block_number"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// CreateIdentity provisions an account. The OWNER is authorized at creation,
// mirroring the contract constructor; organizations start unauthorized and
// stay so until the registry confirms an on-chain authorization.
func (s *Store) CreateIdentity(ctx context.Context, id Identity) error {
	authorized := id.Role == RoleOwner
	_, err := s.DB.Exec(ctx, `
INSERT INTO identities(account,role,signing_key,authorized)
VALUES($1,$2,$3,$4)
`, id.Account, id.Role, id.SigningKey, authorized)
	if isUniqueViolation(err) {
		if isConstraint(err, "identities_single_owner") {
			return ErrOwnerExists
		}
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetIdentity(ctx context.Context, account string) (*Identity, error) {
	var id Identity
	err := s.DB.QueryRow(ctx, `
SELECT account,role,signing_key,authorized,created_at
FROM identities WHERE account=$1
`, account).Scan(&id.Account, &id.Role, &id.SigningKey, &id.Authorized, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

// SetAuthorized flips the cached authorization projection. Only the
// registry calls this, and only after a confirmed ledger transaction.
func (s *Store) SetAuthorized(ctx context.Context, account string, authorized bool) error {
	tag, err := s.DB.Exec(ctx, `UPDATE identities SET authorized=$1 WHERE account=$2`, authorized, account)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]Identity, error) {
	rows, err := s.DB.Query(ctx, `
SELECT account,role,signing_key,authorized,created_at
FROM identities WHERE role=$1 ORDER BY created_at ASC, account ASC
`, RoleOrganization)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Account, &id.Role, &id.SigningKey, &id.Authorized, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) InsertCertificate(ctx context.Context, c Certificate) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO certificates(certificate_id,recipient_name,course_name,issuer_account,fingerprint,tx_ref,block_number,revoked)
VALUES($1,$2,$3,$4,$5,$6,$7,false)
`, c.CertificateID, c.RecipientName, c.CourseName, c.IssuerAccount, c.Fingerprint, c.TxRef, c.BlockNumber)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetCertificate(ctx context.Context, certificateID string) (*Certificate, error) {
	var c Certificate
	err := s.DB.QueryRow(ctx, `
SELECT certificate_id,recipient_name,course_name,issued_at,issuer_account,fingerprint,tx_ref,block_number,revoked,revoked_at
FROM certificates WHERE certificate_id=$1
`, certificateID).Scan(&c.CertificateID, &c.RecipientName, &c.CourseName, &c.IssuedAt, &c.IssuerAccount,
		&c.Fingerprint, &c.TxRef, &c.BlockNumber, &c.Revoked, &c.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListByIssuer(ctx context.Context, issuerAccount string) ([]Certificate, error) {
	return s.listCertificates(ctx, `
SELECT certificate_id,recipient_name,course_name,issued_at,issuer_account,fingerprint,tx_ref,block_number,revoked,revoked_at
FROM certificates WHERE issuer_account=$1 ORDER BY issued_at DESC, certificate_id ASC
`, issuerAccount)
}

func (s *Store) ListAll(ctx context.Context) ([]Certificate, error) {
	return s.listCertificates(ctx, `
SELECT certificate_id,recipient_name,course_name,issued_at,issuer_account,fingerprint,tx_ref,block_number,revoked,revoked_at
FROM certificates ORDER BY issued_at DESC, certificate_id ASC
`)
}

func (s *Store) listCertificates(ctx context.Context, query string, args ...any) ([]Certificate, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Certificate
	for rows.Next() {
		var c Certificate
		if err := rows.Scan(&c.CertificateID, &c.RecipientName, &c.CourseName, &c.IssuedAt, &c.IssuerAccount,
			&c.Fingerprint, &c.TxRef, &c.BlockNumber, &c.Revoked, &c.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RevokeCertificate marks the off-chain record revoked. Certificates are
// otherwise immutable once issued.
func (s *Store) RevokeCertificate(ctx context.Context, certificateID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE certificates SET revoked=true, revoked_at=$1 WHERE certificate_id=$2 AND revoked=false
`, at, certificateID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isConstraint(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.ConstraintName == name
}
