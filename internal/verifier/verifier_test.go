package verifier

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"certledger/internal/ledger"
	"certledger/internal/store"
	"certledger/pkg/certhash"
)

type fakeCerts struct{ certs map[string]store.Certificate }

func (f *fakeCerts) GetCertificate(_ context.Context, id string) (*store.Certificate, error) {
	c, ok := f.certs[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

// anchorChain behaves like the contract: it remembers the fingerprint
// anchored at issuance and compares whatever the verifier recomputes.
type anchorChain struct {
	anchored map[string][32]byte
	issuedAt int64
	issuer   string
	calls    int
}

func (f *anchorChain) QueryVerification(_ context.Context, certificateID string, fingerprint [32]byte) ledger.VerificationTuple {
	f.calls++
	want, ok := f.anchored[certificateID]
	if !ok {
		return ledger.VerificationTuple{}
	}
	return ledger.VerificationTuple{
		Exists:   true,
		Valid:    want == fingerprint,
		IssuedAt: f.issuedAt,
		Issuer:   f.issuer,
	}
}

func issuedCertificate(t *testing.T, recipient string) (store.Certificate, [32]byte) {
	t.Helper()
	fp, err := certhash.Fingerprint("CERT-001", recipient, "Systems Design", "0xorg")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return store.Certificate{
		CertificateID: "CERT-001",
		RecipientName: recipient,
		CourseName:    "Systems Design",
		IssuedAt:      time.Now().UTC(),
		IssuerAccount: "0xorg",
		Fingerprint:   hex.EncodeToString(fp[:]),
		TxRef:         "0xtx1",
	}, fp
}

func TestVerifyAbsentCertificateSkipsLedger(t *testing.T) {
	chain := &anchorChain{anchored: map[string][32]byte{}}
	e := New(&fakeCerts{certs: map[string]store.Certificate{}}, chain)

	res, err := e.Verify(context.Background(), "CERT-404")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Found || res.Status != StatusNotFound {
		t.Fatalf("expected not-found result, got %+v", res)
	}
	if chain.calls != 0 {
		t.Fatalf("expected no ledger call for absent certificate")
	}
}

func TestVerifyIntactCertificate(t *testing.T) {
	cert, fp := issuedCertificate(t, "Jane Doe")
	chain := &anchorChain{anchored: map[string][32]byte{"CERT-001": fp}, issuedAt: 1717171717, issuer: "0xorg"}
	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, chain)

	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !res.Found || !res.ChainExists || !res.ChainValid || res.Status != StatusVerified {
		t.Fatalf("expected verified result, got %+v", res)
	}
	if res.ReducedConfidence {
		t.Fatalf("full tuple must not be flagged reduced confidence")
	}
	if res.IssuedAtOnChain != 1717171717 || res.IssuerOnChain != "0xorg" {
		t.Fatalf("expected issuance metadata from chain, got %+v", res)
	}
}

func TestVerifyTamperedRecord(t *testing.T) {
	cert, fp := issuedCertificate(t, "Jane Doe")
	// Recipient altered post-issuance; the anchor still holds the original.
	cert.RecipientName = "Mallory Doe"
	chain := &anchorChain{anchored: map[string][32]byte{"CERT-001": fp}, issuer: "0xorg", issuedAt: 1}
	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, chain)

	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !res.Found || !res.ChainExists || res.ChainValid {
		t.Fatalf("expected chain to reject tampered fingerprint, got %+v", res)
	}
	if res.Status != StatusTampered {
		t.Fatalf("expected TAMPERED, got %s", res.Status)
	}
}

func TestVerifyMissingAnchorIsIntegrityAlarm(t *testing.T) {
	cert, _ := issuedCertificate(t, "Jane Doe")
	chain := &anchorChain{anchored: map[string][32]byte{}}
	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, chain)

	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !res.Found || res.ChainExists || res.Status != StatusNotAnchored {
		t.Fatalf("expected NOT_ANCHORED divergence alarm, got %+v", res)
	}
}

func TestVerifyReducedTupleFlagsConfidence(t *testing.T) {
	cert, _ := issuedCertificate(t, "Jane Doe")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[true,true]}`))
	}))
	defer ts.Close()

	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, ledger.New(ts.URL, "0xcontract"))
	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusVerified || !res.ChainValid {
		t.Fatalf("reduced tuple should still verify, got %+v", res)
	}
	if !res.ReducedConfidence || res.IssuedAtOnChain != 0 || res.IssuerOnChain != "" {
		t.Fatalf("expected reduced-confidence verdict with zeroed metadata, got %+v", res)
	}
}

func TestVerifyDegradedLedgerStillAnswers(t *testing.T) {
	cert, _ := issuedCertificate(t, "Jane Doe")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // ledger unreachable

	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, ledger.New(ts.URL, "0xcontract"))
	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("read path must degrade, not error: %v", err)
	}
	if !res.Found || res.ChainExists || res.ChainValid || res.Status != StatusNotAnchored {
		t.Fatalf("expected degraded unverifiable result, got %+v", res)
	}
}

func TestVerifyReportsRevocation(t *testing.T) {
	cert, fp := issuedCertificate(t, "Jane Doe")
	at := time.Now().UTC()
	cert.Revoked = true
	cert.RevokedAt = &at
	chain := &anchorChain{anchored: map[string][32]byte{"CERT-001": fp}, issuer: "0xorg", issuedAt: 1}
	e := New(&fakeCerts{certs: map[string]store.Certificate{"CERT-001": cert}}, chain)

	res, err := e.Verify(context.Background(), "CERT-001")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Certificate == nil || !res.Certificate.Revoked || res.Certificate.RevokedAt == nil {
		t.Fatalf("expected revocation surfaced in result, got %+v", res.Certificate)
	}
}
