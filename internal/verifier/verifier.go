package verifier

import (
	"context"

	"certledger/internal/ledger"
	"certledger/internal/store"
	"certledger/pkg/certhash"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("verifier")

// Verdict statuses. NOT_ANCHORED is the off-chain/on-chain divergence alarm:
// the record store claims the certificate while the ledger has no anchor for
// it. It is reported distinctly, never coalesced with TAMPERED or VERIFIED.
const (
	StatusNotFound    = "NOT_FOUND"
	StatusVerified    = "VERIFIED"
	StatusTampered    = "TAMPERED"
	StatusNotAnchored = "NOT_ANCHORED"
)

type certificateReader interface {
	GetCertificate(ctx context.Context, certificateID string) (*store.Certificate, error)
}

type chainQuerier interface {
	QueryVerification(ctx context.Context, certificateID string, fingerprint [32]byte) ledger.VerificationTuple
}

// Result is the complete verdict for one certificate id. ChainValid is the
// authoritative trust signal; ReducedConfidence marks verdicts assembled
// from a degraded ledger response (anchor present but issuance metadata
// unavailable).
type Result struct {
	Found       bool               `json:"found"`
	Certificate *store.Certificate `json:"certificate,omitempty"`

	Status            string `json:"status"`
	ChainExists       bool   `json:"chain_exists"`
	ChainValid        bool   `json:"chain_valid"`
	IssuedAtOnChain   int64  `json:"issued_at_on_chain"`
	IssuerOnChain     string `json:"issuer_on_chain"`
	ReducedConfidence bool   `json:"reduced_confidence"`
}

// Engine reconciles off-chain metadata against the on-chain anchor. The read
// path always answers: ledger degradation lowers confidence in the result,
// it never becomes an error.
type Engine struct {
	certs certificateReader
	chain chainQuerier
}

func New(certs certificateReader, chain chainQuerier) *Engine {
	return &Engine{certs: certs, chain: chain}
}

// Verify returns an error only when the record store itself fails; every
// ledger failure mode is already folded into the tuple by the client.
func (e *Engine) Verify(ctx context.Context, certificateID string) (Result, error) {
	cert, err := e.certs.GetCertificate(ctx, certificateID)
	if err != nil {
		return Result{}, err
	}
	if cert == nil {
		return Result{Status: StatusNotFound}, nil
	}

	// Recompute from the stored fields: a record tampered with after
	// issuance produces a fingerprint the anchored value no longer matches.
	fingerprint, err := certhash.Fingerprint(cert.CertificateID, cert.RecipientName, cert.CourseName, cert.IssuerAccount)
	if err != nil {
		// Stored fields that cannot be hashed cannot match any anchor.
		logger.Warningf("certificate %s has unhashable stored fields: %v", certificateID, err)
		return Result{Found: true, Certificate: cert, Status: StatusNotAnchored}, nil
	}

	tuple := e.chain.QueryVerification(ctx, certificateID, fingerprint)
	res := Result{
		Found:           true,
		Certificate:     cert,
		ChainExists:     tuple.Exists,
		ChainValid:      tuple.Valid,
		IssuedAtOnChain: tuple.IssuedAt,
		IssuerOnChain:   tuple.Issuer,
	}
	switch {
	case tuple.Exists && tuple.Valid:
		res.Status = StatusVerified
	case tuple.Exists:
		res.Status = StatusTampered
	default:
		res.Status = StatusNotAnchored
		logger.Warningf("integrity alarm: certificate %s exists off-chain but has no on-chain anchor", certificateID)
	}
	// A present anchor with zeroed issuance metadata means the node answered
	// with the reduced tuple; the verdict stands but with lower confidence.
	if tuple.Exists && tuple.IssuedAt == 0 && tuple.Issuer == "" {
		res.ReducedConfidence = true
	}
	return res, nil
}
