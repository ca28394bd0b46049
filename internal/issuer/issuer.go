package issuer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"certledger/internal/ledger"
	"certledger/internal/store"
	"certledger/pkg/certhash"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("issuer")

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNotAuthorized         = errors.New("organization is not an authorized issuer")
	ErrDuplicateCertificate  = errors.New("certificate id already exists")
	ErrChainSubmissionFailed = errors.New("chain submission failed")
)

type authorizationChecker interface {
	IsAuthorized(ctx context.Context, orgAccount string) (bool, error)
}

type certificateStore interface {
	GetCertificate(ctx context.Context, certificateID string) (*store.Certificate, error)
	InsertCertificate(ctx context.Context, c store.Certificate) error
}

type chainAnchor interface {
	SubmitIssuance(ctx context.Context, orgAccount, orgKey, certificateID string, fingerprint [32]byte) (*ledger.Receipt, error)
}

// Coordinator orchestrates certificate creation. Ordering is the correctness
// property of the whole system: the off-chain record is written only after
// the anchoring transaction is confirmed, so the store can never claim a
// certificate exists without ledger backing.
type Coordinator struct {
	auth  authorizationChecker
	certs certificateStore
	chain chainAnchor
}

func New(auth authorizationChecker, certs certificateStore, chain chainAnchor) *Coordinator {
	return &Coordinator{auth: auth, certs: certs, chain: chain}
}

func (c *Coordinator) Issue(ctx context.Context, org store.Identity, certificateID, recipientName, courseName string) (*store.Certificate, error) {
	if org.Role != store.RoleOrganization {
		return nil, fmt.Errorf("%w: only organizations issue certificates", ErrPermissionDenied)
	}

	authorized, err := c.auth.IsAuthorized(ctx, org.Account)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, org.Account)
	}

	existing, err := c.certs.GetCertificate(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCertificate, certificateID)
	}

	fingerprint, err := certhash.Fingerprint(certificateID, recipientName, courseName, org.Account)
	if err != nil {
		return nil, err
	}

	receipt, err := c.chain.SubmitIssuance(ctx, org.Account, org.SigningKey, certificateID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainSubmissionFailed, err)
	}

	cert := store.Certificate{
		CertificateID: certificateID,
		RecipientName: recipientName,
		CourseName:    courseName,
		IssuedAt:      time.Now().UTC(),
		IssuerAccount: org.Account,
		Fingerprint:   hex.EncodeToString(fingerprint[:]),
		TxRef:         receipt.TxRef,
		BlockNumber:   receipt.BlockNumber,
		Revoked:       false,
	}
	if err := c.certs.InsertCertificate(ctx, cert); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent issuance won the race between the existence check
			// and the insert; the unique key is the backstop.
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCertificate, certificateID)
		}
		// The anchor is on-chain but the record write failed; verification
		// will report the id as not found until the record is repaired.
		logger.Errorf("certificate %s anchored in tx %s but record insert failed: %v", certificateID, receipt.TxRef, err)
		return nil, err
	}
	logger.Infof("issued certificate %s by %s (tx %s)", certificateID, org.Account, receipt.TxRef)
	return &cert, nil
}
