package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeReceipt serializes the receipt as indented JSON under receiptDir and
// returns the written path.
func writeReceipt(receiptDir, name string, r receipt) (string, error) {
	if err := os.MkdirAll(receiptDir, 0o755); err != nil {
		return "", fmt.Errorf("create receipt dir: %w", err)
	}
	path := filepath.Join(receiptDir, name)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}
