package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
)

// EncodeContent normalizes file content to base64. Strings, byte slices and
// readers are encoded as-is; any other value is encoded as JSON first.
func EncodeContent(v any) (string, error) {
	switch value := v.(type) {
	case nil:
		return "", nil
	case string:
		return base64.StdEncoding.EncodeToString([]byte(value)), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(value), nil
	case io.Reader:
		data, err := io.ReadAll(value)
		if err != nil {
			return "", fmt.Errorf("read content: %w", err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("marshal content: %w", err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}
}

func DecodeContent(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 content: %w", err)
	}

	return data, nil
}

func EncodeFiles(files map[string][]byte) map[string]string {
	if len(files) == 0 {
		return nil
	}

	encoded := make(map[string]string, len(files))
	for p, data := range files {
		encoded[p] = base64.StdEncoding.EncodeToString(data)
	}

	return encoded
}

func DecodeFiles(files map[string]string) (map[string][]byte, error) {
	decoded := make(map[string][]byte, len(files))
	for p, encoded := range files {
		data, err := DecodeContent(encoded)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", p, err)
		}
		decoded[p] = data
	}

	return decoded, nil
}

// IsSSHPath reports whether any segment of p is .ssh.
func IsSSHPath(p string) bool {
	for _, segment := range strings.Split(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/") {
		if segment == ".ssh" {
			return true
		}
	}

	return false
}
