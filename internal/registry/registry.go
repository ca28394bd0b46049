package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"certledger/internal/ledger"
	"certledger/internal/store"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("registry")

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnknownOrganization = errors.New("unknown organization")
)

type ledgerSubmitter interface {
	SubmitAuthorization(ctx context.Context, ownerAccount, ownerKey, orgAccount string) (*ledger.Receipt, error)
}

type identityStore interface {
	GetIdentity(ctx context.Context, account string) (*store.Identity, error)
	SetAuthorized(ctx context.Context, account string, authorized bool) error
}

// Ack acknowledges a confirmed on-chain authorization.
type Ack struct {
	TxRef       string `json:"tx_ref"`
	BlockNumber int64  `json:"block_number"`
}

// Registry tracks which organizations may issue. The ledger's
// AuthorizationRecord is the source of truth; the identity store's
// authorized flag is a write-through projection updated only after a
// confirmed transaction, so the cache may lag the ledger but never lead it.
type Registry struct {
	chain ledgerSubmitter
	ids   identityStore

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
}

func New(chain ledgerSubmitter, ids identityStore) *Registry {
	return &Registry{chain: chain, ids: ids, orgLocks: map[string]*sync.Mutex{}}
}

// lockFor serializes authorization of a single organization so interleaved
// ledger confirmations cannot race on the cached flag.
func (r *Registry) lockFor(orgAccount string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.orgLocks[orgAccount]
	if !ok {
		l = &sync.Mutex{}
		r.orgLocks[orgAccount] = l
	}
	return l
}

// Authorize grants issuance rights to an organization. Only the OWNER may
// call it. The cached flag flips only after the ledger confirms; any ledger
// failure leaves the flag untouched.
func (r *Registry) Authorize(ctx context.Context, owner store.Identity, orgAccount string) (Ack, error) {
	if owner.Role != store.RoleOwner {
		return Ack{}, fmt.Errorf("%w: only the owner may authorize issuers", ErrPermissionDenied)
	}

	lock := r.lockFor(orgAccount)
	lock.Lock()
	defer lock.Unlock()

	org, err := r.ids.GetIdentity(ctx, orgAccount)
	if err != nil {
		return Ack{}, err
	}
	if org == nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrUnknownOrganization, orgAccount)
	}
	if org.Role != store.RoleOrganization {
		return Ack{}, fmt.Errorf("%w: %s is not an organization", ErrPermissionDenied, orgAccount)
	}

	receipt, err := r.chain.SubmitAuthorization(ctx, owner.Account, owner.SigningKey, orgAccount)
	if err != nil {
		return Ack{}, err
	}
	if err := r.ids.SetAuthorized(ctx, orgAccount, true); err != nil {
		// The chain confirmed but the projection write failed; the cache now
		// lags the ledger until a retry succeeds.
		return Ack{}, err
	}
	logger.Infof("authorized issuer %s (tx %s)", orgAccount, receipt.TxRef)
	return Ack{TxRef: receipt.TxRef, BlockNumber: receipt.BlockNumber}, nil
}

// IsAuthorized reads the cached projection, not the ledger. The issuance
// path needs a low-latency answer; a just-confirmed grant that has not been
// projected yet reads false.
func (r *Registry) IsAuthorized(ctx context.Context, orgAccount string) (bool, error) {
	id, err := r.ids.GetIdentity(ctx, orgAccount)
	if err != nil {
		return false, err
	}
	if id == nil || id.Role != store.RoleOrganization {
		return false, nil
	}
	return id.Authorized, nil
}
