package issuer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"certledger/internal/ledger"
	"certledger/internal/store"
	"certledger/pkg/certhash"
)

type fakeAuth struct{ authorized map[string]bool }

func (f *fakeAuth) IsAuthorized(_ context.Context, account string) (bool, error) {
	return f.authorized[account], nil
}

type fakeCerts struct {
	certs      map[string]store.Certificate
	insertErr  error
	insertSeen int
}

func newFakeCerts() *fakeCerts { return &fakeCerts{certs: map[string]store.Certificate{}} }

func (f *fakeCerts) GetCertificate(_ context.Context, id string) (*store.Certificate, error) {
	c, ok := f.certs[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (f *fakeCerts) InsertCertificate(_ context.Context, c store.Certificate) error {
	f.insertSeen++
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.certs[c.CertificateID]; ok {
		return store.ErrDuplicate
	}
	f.certs[c.CertificateID] = c
	return nil
}

type fakeAnchor struct {
	err   error
	calls int
	last  struct {
		account, certID string
		fingerprint     [32]byte
	}
}

func (f *fakeAnchor) SubmitIssuance(_ context.Context, orgAccount, orgKey, certificateID string, fingerprint [32]byte) (*ledger.Receipt, error) {
	f.calls++
	f.last.account = orgAccount
	f.last.certID = certificateID
	f.last.fingerprint = fingerprint
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.Receipt{TxRef: fmt.Sprintf("0xtx%d", f.calls), BlockNumber: int64(100 + f.calls)}, nil
}

var testOrg = store.Identity{Account: "0xorg", Role: store.RoleOrganization, SigningKey: "aa"}

func newCoordinator(authorized bool) (*Coordinator, *fakeCerts, *fakeAnchor) {
	auth := &fakeAuth{authorized: map[string]bool{}}
	if authorized {
		auth.authorized[testOrg.Account] = true
	}
	certs := newFakeCerts()
	anchor := &fakeAnchor{}
	return New(auth, certs, anchor), certs, anchor
}

func TestIssueHappyPath(t *testing.T) {
	c, certs, anchor := newCoordinator(true)

	cert, err := c.Issue(context.Background(), testOrg, "CERT-001", "Jane Doe", "Systems Design")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if len(cert.Fingerprint) != 64 {
		t.Fatalf("expected 32-byte hex fingerprint, got %q", cert.Fingerprint)
	}
	if cert.TxRef == "" {
		t.Fatalf("expected non-empty transaction reference")
	}
	if cert.Revoked {
		t.Fatalf("new certificate must not be revoked")
	}
	want, _ := certhash.FingerprintHex("CERT-001", "Jane Doe", "Systems Design", testOrg.Account)
	if cert.Fingerprint != want {
		t.Fatalf("stored fingerprint %s does not match recomputed %s", cert.Fingerprint, want)
	}
	if anchor.last.certID != "CERT-001" || anchor.last.account != testOrg.Account {
		t.Fatalf("anchor saw wrong submission: %+v", anchor.last)
	}
	if _, ok := certs.certs["CERT-001"]; !ok {
		t.Fatalf("expected persisted record")
	}
}

func TestIssueRequiresOrganizationRole(t *testing.T) {
	c, certs, anchor := newCoordinator(true)
	owner := store.Identity{Account: "0xowner", Role: store.RoleOwner}

	if _, err := c.Issue(context.Background(), owner, "CERT-001", "Jane", "Go"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if anchor.calls != 0 || certs.insertSeen != 0 {
		t.Fatalf("expected no side effects on permission denial")
	}
}

func TestIssueUnauthorizedOrgWritesNothing(t *testing.T) {
	c, certs, anchor := newCoordinator(false)

	if _, err := c.Issue(context.Background(), testOrg, "CERT-002", "Jane", "Go"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if anchor.calls != 0 {
		t.Fatalf("expected no ledger submission for unauthorized org")
	}
	if len(certs.certs) != 0 {
		t.Fatalf("expected no store entry for unauthorized issuance")
	}
}

func TestIssueChainFailureLeavesNoOrphanRecord(t *testing.T) {
	c, certs, anchor := newCoordinator(true)
	anchor.err = fmt.Errorf("%w: broadcast: connection refused", ledger.ErrLedger)

	_, err := c.Issue(context.Background(), testOrg, "CERT-003", "Jane", "Go")
	if !errors.Is(err, ErrChainSubmissionFailed) {
		t.Fatalf("expected ErrChainSubmissionFailed, got %v", err)
	}
	if certs.insertSeen != 0 || len(certs.certs) != 0 {
		t.Fatalf("expected no store write after chain failure")
	}
}

func TestIssueDuplicateCertificateID(t *testing.T) {
	c, _, _ := newCoordinator(true)

	if _, err := c.Issue(context.Background(), testOrg, "CERT-001", "Jane Doe", "Systems Design"); err != nil {
		t.Fatalf("first issuance: %v", err)
	}
	if _, err := c.Issue(context.Background(), testOrg, "CERT-001", "Someone Else", "Other Course"); !errors.Is(err, ErrDuplicateCertificate) {
		t.Fatalf("expected ErrDuplicateCertificate, got %v", err)
	}
}

func TestIssueDuplicateRaceCaughtByStore(t *testing.T) {
	c, certs, _ := newCoordinator(true)
	certs.insertErr = store.ErrDuplicate

	if _, err := c.Issue(context.Background(), testOrg, "CERT-004", "Jane", "Go"); !errors.Is(err, ErrDuplicateCertificate) {
		t.Fatalf("expected ErrDuplicateCertificate from unique-key backstop, got %v", err)
	}
}

func TestIssueRejectsMalformedFields(t *testing.T) {
	c, certs, anchor := newCoordinator(true)

	_, err := c.Issue(context.Background(), testOrg, "CERT-005", "Jane|Doe", "Go")
	if !errors.Is(err, certhash.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if anchor.calls != 0 || certs.insertSeen != 0 {
		t.Fatalf("malformed input must never reach the ledger or the store")
	}
}
