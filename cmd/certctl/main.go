package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "certctl",
		Usage: "issue and verify ledger-anchored certificates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8085",
				Usage:   "certledger server base URL",
				EnvVars: []string{"CERTLEDGER_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "registry bootstrap token for admin commands",
				EnvVars: []string{"CERTLEDGER_BOOTSTRAP_TOKEN"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "account",
				Usage: "manage ledger identities",
				Subcommands: []*cli.Command{
					{
						Name:  "create",
						Usage: "provision an identity",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "account", Required: true},
							&cli.StringFlag{Name: "role", Value: "ORGANIZATION", Usage: "OWNER or ORGANIZATION"},
							&cli.StringFlag{Name: "signing-key", Required: true, Usage: "hex ed25519 key"},
						},
						Action: runAccountCreate,
					},
				},
			},
			{
				Name:  "authorize",
				Usage: "authorize an organization as issuer (owner only)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Required: true, Usage: "owner account"},
					&cli.StringFlag{Name: "org", Required: true, Usage: "organization account"},
				},
				Action: runAuthorize,
			},
			{
				Name:  "issue",
				Usage: "issue a certificate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "issuer", Required: true, Usage: "issuing organization account"},
					&cli.StringFlag{Name: "id", Required: true, Usage: "certificate id"},
					&cli.StringFlag{Name: "recipient", Required: true},
					&cli.StringFlag{Name: "course", Required: true},
				},
				Action: runIssue,
			},
			{
				Name:      "verify",
				Usage:     "verify a certificate against the ledger",
				ArgsUsage: "<certificate-id>",
				Action:    runVerify,
			},
			{
				Name:  "list",
				Usage: "list certificates",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "issuer", Usage: "filter by issuing account"},
				},
				Action: runList,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func runAccountCreate(c *cli.Context) error {
	out, err := postJSON(c, "/registry/v1/accounts", map[string]any{
		"account":     c.String("account"),
		"role":        c.String("role"),
		"signing_key": c.String("signing-key"),
	})
	if err != nil {
		return err
	}
	return printJSON(out["identity"])
}

func runAuthorize(c *cli.Context) error {
	out, err := postJSON(c, "/registry/v1/organizations/"+c.String("org")+"/authorize", map[string]any{
		"owner_account": c.String("owner"),
	})
	if err != nil {
		return err
	}
	color.Green("organization %s authorized", c.String("org"))
	return printJSON(out["authorization"])
}

func runIssue(c *cli.Context) error {
	out, err := postJSON(c, "/certificates/v1", map[string]any{
		"issuer_account": c.String("issuer"),
		"certificate_id": c.String("id"),
		"recipient_name": c.String("recipient"),
		"course_name":    c.String("course"),
	})
	if err != nil {
		return err
	}
	color.Green("certificate %s issued", c.String("id"))
	return printJSON(out["certificate"])
}

func runVerify(c *cli.Context) error {
	certID := c.Args().First()
	if certID == "" {
		return fmt.Errorf("certificate id is required")
	}
	out, err := getJSON(c, "/certificates/v1/"+certID+"/verify")
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(out["verification"])
	var v struct {
		Found             bool   `json:"found"`
		Status            string `json:"status"`
		ChainExists       bool   `json:"chain_exists"`
		ChainValid        bool   `json:"chain_valid"`
		IssuedAtOnChain   int64  `json:"issued_at_on_chain"`
		IssuerOnChain     string `json:"issuer_on_chain"`
		ReducedConfidence bool   `json:"reduced_confidence"`
		Certificate       *struct {
			RecipientName string `json:"recipient_name"`
			CourseName    string `json:"course_name"`
			Revoked       bool   `json:"revoked"`
		} `json:"certificate"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}

	switch v.Status {
	case "VERIFIED":
		color.Green("VERIFIED %s", certID)
	case "NOT_FOUND":
		color.Yellow("NOT FOUND %s", certID)
	default:
		color.Red("%s %s", v.Status, certID)
	}
	if v.Certificate != nil {
		fmt.Printf("  recipient: %s\n  course:    %s\n", v.Certificate.RecipientName, v.Certificate.CourseName)
		if v.Certificate.Revoked {
			color.Red("  revoked by the issuer")
		}
	}
	if v.ChainExists {
		if v.IssuedAtOnChain > 0 {
			fmt.Printf("  anchored:  %s by %s\n", time.Unix(v.IssuedAtOnChain, 0).UTC().Format(time.RFC3339), v.IssuerOnChain)
		}
		if v.ReducedConfidence {
			color.Yellow("  ledger returned a reduced response; issuance metadata unavailable")
		}
	}
	return nil
}

func runList(c *cli.Context) error {
	path := "/certificates/v1"
	if issuer := c.String("issuer"); issuer != "" {
		path += "?issuer=" + issuer
	}
	out, err := getJSON(c, path)
	if err != nil {
		return err
	}
	return printJSON(out["certificates"])
}

func postJSON(c *cli.Context, path string, body map[string]any) (map[string]any, error) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.String("server")+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	if tok := c.String("token"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return doJSON(req)
}

func getJSON(c *cli.Context, path string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, c.String("server")+path, nil)
	if err != nil {
		return nil, err
	}
	return doJSON(req)
}

func doJSON(req *http.Request) (map[string]any, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if e, ok := out["error"].(map[string]any); ok {
			return nil, fmt.Errorf("%v: %v", e["code"], e["message"])
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return out, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
