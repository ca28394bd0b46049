package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// Live end-to-end pass against a running server, ledger node and database.
func TestIssueAndVerifyLive(t *testing.T) {
	if os.Getenv("CERTLEDGER_INTEGRATION") != "1" {
		t.Skip("set CERTLEDGER_INTEGRATION=1 to run live integration")
	}
	baseURL := getenvOr("CERTLEDGER_BASE_URL", "http://localhost:8085")
	token := strings.TrimSpace(os.Getenv("CERTLEDGER_BOOTSTRAP_TOKEN"))

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	ownerAccount := "0xowner" + suffix
	orgAccount := "0xorg" + suffix
	certID := "CERT-IT-" + suffix
	seed := strings.Repeat("11", 32)

	postJSONLive(t, baseURL+"/registry/v1/accounts", token, map[string]any{
		"account": ownerAccount, "role": "OWNER", "signing_key": seed,
	})
	postJSONLive(t, baseURL+"/registry/v1/accounts", token, map[string]any{
		"account": orgAccount, "role": "ORGANIZATION", "signing_key": seed,
	})
	postJSONLive(t, baseURL+"/registry/v1/organizations/"+orgAccount+"/authorize", token, map[string]any{
		"owner_account": ownerAccount,
	})

	issued := postJSONLive(t, baseURL+"/certificates/v1", "", map[string]any{
		"issuer_account": orgAccount,
		"certificate_id": certID,
		"recipient_name": "Jane Doe",
		"course_name":    "Systems Design",
	})
	cert, _ := issued["certificate"].(map[string]any)
	if fmt.Sprint(cert["tx_ref"]) == "" {
		t.Fatalf("expected transaction reference, got %v", issued)
	}

	resp, err := http.Get(baseURL + "/certificates/v1/" + certID + "/verify")
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Verification struct {
			Found      bool   `json:"found"`
			Status     string `json:"status"`
			ChainValid bool   `json:"chain_valid"`
		} `json:"verification"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode verification: %v", err)
	}
	if !out.Verification.Found || !out.Verification.ChainValid || out.Verification.Status != "VERIFIED" {
		t.Fatalf("expected verified certificate, got %+v", out.Verification)
	}
}

func postJSONLive(t *testing.T, url, token string, body map[string]any) map[string]any {
	t.Helper()
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("content-type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s returned %d: %v", url, resp.StatusCode, out)
	}
	return out
}
