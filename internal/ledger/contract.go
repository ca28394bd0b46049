package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// deploymentDescriptor mirrors the build artifact the contract toolchain
// emits: a contract name plus a network-id → deployed-address map.
type deploymentDescriptor struct {
	ContractName string `json:"contractName"`
	Networks     map[string]struct {
		Address string `json:"address"`
	} `json:"networks"`
}

// LoadContractAddress resolves the deployed contract address from a
// deployment descriptor file, once at process start. When the descriptor
// lists several networks the first entry (lowest network id) is selected.
func LoadContractAddress(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read deployment descriptor: %w", err)
	}
	var desc deploymentDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return "", fmt.Errorf("parse deployment descriptor: %w", err)
	}
	if len(desc.Networks) == 0 {
		return "", fmt.Errorf("deployment descriptor %s lists no networks; was the contract deployed?", path)
	}
	ids := make([]string, 0, len(desc.Networks))
	for id := range desc.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	addr := strings.TrimSpace(desc.Networks[ids[0]].Address)
	if addr == "" {
		return "", fmt.Errorf("deployment descriptor %s: network %s has no address", path, ids[0])
	}
	return addr, nil
}
