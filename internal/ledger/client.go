package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/crypto/sha3"
)

var logger = logging.MustGetLogger("ledger")

// ErrLedger covers every ledger-side failure: transport, signing, broadcast
// rejection, and confirmation timeout. The client never retries; retry policy
// belongs to the caller.
var ErrLedger = errors.New("ledger error")

// GasLimit is the fixed resource ceiling for every submitted transaction.
const GasLimit = 3_000_000

// Receipt is the ledger's acknowledgment of a confirmed transaction.
type Receipt struct {
	TxRef       string `json:"tx_ref"`
	BlockNumber int64  `json:"block_number"`
}

// VerificationTuple is the normalized shape of the contract's
// verifyCertificate call. The node may answer with a reduced 2-tuple when its
// internal logic short-circuits; callers always see the 4-tuple form with a
// zero timestamp and empty issuer substituted.
type VerificationTuple struct {
	Exists   bool
	Valid    bool
	IssuedAt int64
	Issuer   string
}

// Client talks to a single ledger node and a single deployed contract. It is
// constructed once at startup and injected into every component that needs
// the chain.
type Client struct {
	BaseURL         string
	ContractAddress string
	HTTP            *http.Client

	// ConfirmTimeout bounds the wait for transaction inclusion. Expiry is a
	// retryable-by-caller ErrLedger, never treated as confirmed.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

func New(baseURL, contractAddress string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		ContractAddress: contractAddress,
		HTTP:            &http.Client{Timeout: 10 * time.Second},
		ConfirmTimeout:  30 * time.Second,
		PollInterval:    250 * time.Millisecond,
	}
}

// SubmitAuthorization anchors an owner-signed authorizeIssuer transaction.
func (c *Client) SubmitAuthorization(ctx context.Context, ownerAccount, ownerKey, orgAccount string) (*Receipt, error) {
	return c.submit(ctx, ownerAccount, ownerKey, "authorizeIssuer", []string{orgAccount})
}

// SubmitIssuance anchors an organization-signed issueCertificate transaction
// carrying the certificate id and its content fingerprint.
func (c *Client) SubmitIssuance(ctx context.Context, orgAccount, orgKey, certificateID string, fingerprint [32]byte) (*Receipt, error) {
	return c.submit(ctx, orgAccount, orgKey, "issueCertificate", []string{certificateID, "0x" + hex.EncodeToString(fingerprint[:])})
}

type transaction struct {
	From     string   `json:"from"`
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args"`
	Sequence uint64   `json:"sequence"`
	GasLimit uint64   `json:"gas_limit"`
}

func (c *Client) submit(ctx context.Context, account, credential, method string, args []string) (*Receipt, error) {
	key, err := parseSigningKey(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key for %s: %v", ErrLedger, account, err)
	}

	// A fresh sequence number immediately before each submission avoids
	// stale-nonce rejection when independent callers run concurrently.
	seq, err := c.accountSequence(ctx, account)
	if err != nil {
		return nil, err
	}

	tx := transaction{
		From:     account,
		Contract: c.ContractAddress,
		Method:   method,
		Args:     args,
		Sequence: seq,
		GasLimit: GasLimit,
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: encode transaction: %v", ErrLedger, err)
	}
	digest := keccak256(payload)
	sig := ed25519.Sign(key, digest)

	txRef, err := c.broadcast(ctx, tx, sig)
	if err != nil {
		return nil, err
	}
	logger.Debugf("broadcast %s tx %s from %s seq %d", method, txRef, account, seq)

	receipt, err := c.waitForConfirmation(ctx, txRef)
	if err != nil {
		return nil, err
	}
	logger.Infof("confirmed %s tx %s in block %d", method, receipt.TxRef, receipt.BlockNumber)
	return receipt, nil
}

func (c *Client) accountSequence(ctx context.Context, account string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/accounts/"+account+"/sequence", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence request: %v", ErrLedger, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch sequence for %s: %v", ErrLedger, account, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: sequence for %s: node returned %d", ErrLedger, account, resp.StatusCode)
	}
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode sequence: %v", ErrLedger, err)
	}
	return out.Sequence, nil
}

func (c *Client) broadcast(ctx context.Context, tx transaction, sig []byte) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"transaction": tx,
		"signature":   hex.EncodeToString(sig),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: broadcast request: %v", ErrLedger, err)
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast: %v", ErrLedger, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: broadcast: node returned %d", ErrLedger, resp.StatusCode)
	}
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode broadcast response: %v", ErrLedger, err)
	}
	if strings.TrimSpace(out.TxRef) == "" {
		return "", fmt.Errorf("%w: broadcast returned empty tx ref", ErrLedger)
	}
	return out.TxRef, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, txRef string) (*Receipt, error) {
	deadline := time.Now().Add(c.ConfirmTimeout)
	for {
		status, block, err := c.transactionStatus(ctx, txRef)
		if err != nil {
			return nil, err
		}
		switch status {
		case "CONFIRMED":
			return &Receipt{TxRef: txRef, BlockNumber: block}, nil
		case "REJECTED":
			return nil, fmt.Errorf("%w: tx %s rejected", ErrLedger, txRef)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: tx %s not confirmed within %s", ErrLedger, txRef, c.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: confirmation wait: %v", ErrLedger, ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) transactionStatus(ctx context.Context, txRef string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/transactions/"+txRef, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: status request: %v", ErrLedger, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: fetch status of %s: %v", ErrLedger, txRef, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("%w: status of %s: node returned %d", ErrLedger, txRef, resp.StatusCode)
	}
	var out struct {
		Status      string `json:"status"`
		BlockNumber int64  `json:"block_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("%w: decode status: %v", ErrLedger, err)
	}
	return out.Status, out.BlockNumber, nil
}

// QueryVerification performs the read-only verifyCertificate call. It never
// returns an error: any transport failure or unexpected response shape
// degrades to the safe-fallback tuple so verification stays available while
// the ledger is degraded.
func (c *Client) QueryVerification(ctx context.Context, certificateID string, fingerprint [32]byte) VerificationTuple {
	fallback := VerificationTuple{}

	body, _ := json.Marshal(map[string]any{
		"method": "verifyCertificate",
		"args":   []string{certificateID, "0x" + hex.EncodeToString(fingerprint[:])},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/contracts/"+c.ContractAddress+"/call", bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		logger.Warningf("verification call for %s degraded: %v", certificateID, err)
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warningf("verification call for %s degraded: node returned %d", certificateID, resp.StatusCode)
		return fallback
	}
	var out struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logger.Warningf("verification call for %s degraded: %v", certificateID, err)
		return fallback
	}
	return normalizeTuple(out.Result)
}

// normalizeTuple folds the node's 2-tuple and 4-tuple response shapes into
// one fixed shape. Any other shape is the safe fallback.
func normalizeTuple(result []json.RawMessage) VerificationTuple {
	var exists, valid bool
	switch len(result) {
	case 4:
		var issuedAt int64
		var issuer string
		if json.Unmarshal(result[0], &exists) != nil ||
			json.Unmarshal(result[1], &valid) != nil ||
			json.Unmarshal(result[2], &issuedAt) != nil ||
			json.Unmarshal(result[3], &issuer) != nil {
			return VerificationTuple{}
		}
		return VerificationTuple{Exists: exists, Valid: valid, IssuedAt: issuedAt, Issuer: issuer}
	case 2:
		if json.Unmarshal(result[0], &exists) != nil || json.Unmarshal(result[1], &valid) != nil {
			return VerificationTuple{}
		}
		return VerificationTuple{Exists: exists, Valid: valid}
	default:
		return VerificationTuple{}
	}
}

func parseSigningKey(credential string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(credential), "0x"))
	if err != nil {
		return nil, fmt.Errorf("credential is not hex: %v", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("credential must be a %d or %d byte key, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func keccak256(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}
