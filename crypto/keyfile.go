package crypto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadKeyFile reads signing keys from path. The file holds either a JSON array
// of hex strings or one hex key per line; blank lines and lines starting with
// '#' are ignored.
func LoadKeyFile(path string) ([]*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	return ParseKeys(data)
}

// ParseKeys decodes keys in either of the formats accepted by LoadKeyFile.
func ParseKeys(data []byte) ([]*PrivateKey, error) {
	trimmed := bytes.TrimSpace(data)
	var encoded []string
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("crypto: decode key array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			encoded = append(encoded, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("crypto: scan key file: %w", err)
		}
	}

	keys := make([]*PrivateKey, 0, len(encoded))
	for i, value := range encoded {
		key, err := PrivateKeyFromHex(value)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
