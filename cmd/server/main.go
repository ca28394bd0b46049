package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"certledger/internal/issuer"
	"certledger/internal/ledger"
	"certledger/internal/registry"
	"certledger/internal/store"
	"certledger/internal/verifier"
	"certledger/pkg/certhash"
	"certledger/pkg/db"
	"certledger/pkg/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("server")

func main() {
	configureLogging()

	ctx := context.Background()
	pool := db.MustConnect(ctx)
	st := store.New(pool)

	port := getenvOr("SERVICE_PORT", "8085")
	rpcURL := getenvOr("LEDGER_RPC_URL", "http://localhost:7545")
	descriptorPath := getenvOr("LEDGER_CONTRACT_DESCRIPTOR", "contract/build/CertificateVerification.json")
	bootstrapToken := strings.TrimSpace(os.Getenv("REGISTRY_BOOTSTRAP_TOKEN"))
	confirmTimeout := envIntDefault("LEDGER_CONFIRM_TIMEOUT_SECONDS", 30)

	contractAddr, err := ledger.LoadContractAddress(descriptorPath)
	if err != nil {
		logger.Fatalf("resolve contract address: %v", err)
	}
	chain := ledger.New(rpcURL, contractAddr)
	chain.ConfirmTimeout = time.Duration(confirmTimeout) * time.Second
	logger.Infof("ledger node %s, contract %s", rpcURL, contractAddr)

	reg := registry.New(chain, st)
	iss := issuer.New(reg, st, chain)
	ver := verifier.New(st, chain)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/registry/v1", func(api chi.Router) {
		api.Post("/accounts", func(w http.ResponseWriter, r *http.Request) {
			if !requireBootstrapToken(w, r, bootstrapToken) {
				return
			}
			var req createAccountRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := validateCreateAccountRequest(&req); err != nil {
				httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
				return
			}
			id := store.Identity{Account: req.Account, Role: req.Role, SigningKey: req.SigningKey}
			if err := st.CreateIdentity(r.Context(), id); err != nil {
				switch {
				case errors.Is(err, store.ErrOwnerExists):
					httpx.WriteError(w, 409, "OWNER_EXISTS", "an owner identity already exists", nil)
				case errors.Is(err, store.ErrDuplicate):
					httpx.WriteError(w, 409, "DUPLICATE_ACCOUNT", "account already provisioned", nil)
				default:
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				}
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"identity": map[string]any{
					"account":    req.Account,
					"role":       req.Role,
					"authorized": req.Role == store.RoleOwner,
				},
			})
		})

		api.Get("/organizations", func(w http.ResponseWriter, r *http.Request) {
			orgs, err := st.ListOrganizations(r.Context())
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":    httpx.NewRequestID(),
				"organizations": orgs,
			})
		})

		api.Get("/organizations/{account}", func(w http.ResponseWriter, r *http.Request) {
			account := chi.URLParam(r, "account")
			id, err := st.GetIdentity(r.Context(), account)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if id == nil || id.Role != store.RoleOrganization {
				httpx.WriteError(w, 404, "NOT_FOUND", "organization not found", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"organization": id,
			})
		})

		api.Post("/organizations/{account}/authorize", func(w http.ResponseWriter, r *http.Request) {
			if !requireBootstrapToken(w, r, bootstrapToken) {
				return
			}
			orgAccount := chi.URLParam(r, "account")
			var req struct {
				OwnerAccount string `json:"owner_account"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.OwnerAccount) == "" {
				httpx.WriteError(w, 400, "INVALID_INPUT", "owner_account is required", nil)
				return
			}
			owner, err := st.GetIdentity(r.Context(), strings.TrimSpace(req.OwnerAccount))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if owner == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "owner account not found", nil)
				return
			}
			ack, err := reg.Authorize(r.Context(), *owner, orgAccount)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":    httpx.NewRequestID(),
				"organization":  orgAccount,
				"authorization": ack,
			})
		})
	})

	r.Route("/certificates/v1", func(api chi.Router) {
		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req issueRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if err := validateIssueRequest(&req); err != nil {
				httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
				return
			}
			org, err := st.GetIdentity(r.Context(), req.IssuerAccount)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if org == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "issuer account not found", nil)
				return
			}
			cert, err := iss.Issue(r.Context(), *org, req.CertificateID, req.RecipientName, req.CourseName)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id":  httpx.NewRequestID(),
				"certificate": cert,
			})
		})

		api.Get("/", func(w http.ResponseWriter, r *http.Request) {
			issuerFilter := strings.TrimSpace(r.URL.Query().Get("issuer"))
			var (
				certs []store.Certificate
				err   error
			)
			if issuerFilter != "" {
				certs, err = st.ListByIssuer(r.Context(), issuerFilter)
			} else {
				certs, err = st.ListAll(r.Context())
			}
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"certificates": certs,
			})
		})

		api.Get("/{certificate_id}/verify", func(w http.ResponseWriter, r *http.Request) {
			res, err := ver.Verify(r.Context(), chi.URLParam(r, "certificate_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"verification": res,
			})
		})

		api.Post("/{certificate_id}/revoke", func(w http.ResponseWriter, r *http.Request) {
			certificateID := chi.URLParam(r, "certificate_id")
			var req struct {
				Account string `json:"account"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			actor, err := st.GetIdentity(r.Context(), strings.TrimSpace(req.Account))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if actor == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "account not found", nil)
				return
			}
			cert, err := st.GetCertificate(r.Context(), certificateID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if cert == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "certificate not found", nil)
				return
			}
			if actor.Role != store.RoleOwner && actor.Account != cert.IssuerAccount {
				httpx.WriteError(w, 403, "PERMISSION_DENIED", "only the issuing organization or the owner may revoke", nil)
				return
			}
			if err := st.RevokeCertificate(r.Context(), certificateID, time.Now().UTC()); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 409, "ALREADY_REVOKED", "certificate is already revoked", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			logger.Infof("certificate %s revoked by %s", certificateID, actor.Account)
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":     httpx.NewRequestID(),
				"certificate_id": certificateID,
				"revoked":        true,
			})
		})
	})

	logger.Infof("listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

type createAccountRequest struct {
	Account    string `json:"account"`
	Role       string `json:"role"`
	SigningKey string `json:"signing_key"`
}

func validateCreateAccountRequest(req *createAccountRequest) error {
	req.Account = strings.TrimSpace(req.Account)
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))
	req.SigningKey = strings.TrimSpace(req.SigningKey)
	if req.Account == "" {
		return fmt.Errorf("account is required")
	}
	if req.Role != store.RoleOwner && req.Role != store.RoleOrganization {
		return fmt.Errorf("role must be OWNER or ORGANIZATION")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.SigningKey, "0x"))
	if err != nil {
		return fmt.Errorf("signing_key must be hex")
	}
	if len(raw) != 32 && len(raw) != 64 {
		return fmt.Errorf("signing_key must be a 32 or 64 byte key")
	}
	return nil
}

type issueRequest struct {
	IssuerAccount string `json:"issuer_account"`
	CertificateID string `json:"certificate_id"`
	RecipientName string `json:"recipient_name"`
	CourseName    string `json:"course_name"`
}

func validateIssueRequest(req *issueRequest) error {
	req.IssuerAccount = strings.TrimSpace(req.IssuerAccount)
	req.CertificateID = strings.TrimSpace(req.CertificateID)
	req.RecipientName = strings.TrimSpace(req.RecipientName)
	req.CourseName = strings.TrimSpace(req.CourseName)
	if req.IssuerAccount == "" {
		return fmt.Errorf("issuer_account is required")
	}
	if req.CertificateID == "" || req.RecipientName == "" || req.CourseName == "" {
		return fmt.Errorf("certificate_id, recipient_name and course_name are required")
	}
	for name, v := range map[string]string{
		"certificate_id": req.CertificateID,
		"recipient_name": req.RecipientName,
		"course_name":    req.CourseName,
	} {
		if strings.Contains(v, certhash.Delimiter) {
			return fmt.Errorf("%s must not contain %q", name, certhash.Delimiter)
		}
		if len(v) > certhash.MaxFieldBytes {
			return fmt.Errorf("%s exceeds %d bytes", name, certhash.MaxFieldBytes)
		}
	}
	return nil
}

// writeDomainError maps the issuance/authorization error taxonomy onto the
// HTTP surface. Write-path failures abort before side effects upstream, so
// each error here is safe to report without cleanup.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, certhash.ErrInvalidInput):
		httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, issuer.ErrPermissionDenied) || errors.Is(err, registry.ErrPermissionDenied):
		httpx.WriteError(w, 403, "PERMISSION_DENIED", err.Error(), nil)
	case errors.Is(err, issuer.ErrNotAuthorized):
		httpx.WriteError(w, 403, "NOT_AUTHORIZED", err.Error(), nil)
	case errors.Is(err, issuer.ErrDuplicateCertificate):
		httpx.WriteError(w, 409, "DUPLICATE_CERTIFICATE", err.Error(), nil)
	case errors.Is(err, registry.ErrUnknownOrganization):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, issuer.ErrChainSubmissionFailed):
		httpx.WriteError(w, 502, "CHAIN_SUBMISSION_FAILED", err.Error(), nil)
	case errors.Is(err, ledger.ErrLedger):
		httpx.WriteError(w, 502, "LEDGER_ERROR", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}

func requireBootstrapToken(w http.ResponseWriter, r *http.Request, configured string) bool {
	if configured == "" {
		return true
	}
	tok, ok := parseBearer(r.Header.Get("Authorization"))
	if !ok || tok != configured {
		httpx.WriteError(w, 401, "UNAUTHORIZED", "registry bearer token required", nil)
		return false
	}
	return true
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	authorization = strings.TrimSpace(authorization)
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

func configureLogging() {
	logging.SetFormatter(
		logging.MustStringFormatter(`%{color}%{time:15:04:05.000} %{module:10s} ▶ %{level:7s}%{color:reset} %{message}`),
	)
	levelBackend := logging.AddModuleLevel(logging.NewLogBackend(os.Stdout, "", 0))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "debug") {
		levelBackend.SetLevel(logging.DEBUG, "")
	} else {
		levelBackend.SetLevel(logging.INFO, "")
	}
	logging.SetBackend(levelBackend)
}

func getenvOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
