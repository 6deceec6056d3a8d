package task

import (
	"fmt"
	"strings"
)

// ParseExternalTaskKey validates an "account:board:item" key and returns its
// parts. Every part must be non-empty.
func ParseExternalTaskKey(key string) (account, board, item string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid externalTaskKey %q", key)
	}
	for _, part := range parts {
		if part == "" {
			return "", "", "", fmt.Errorf("invalid externalTaskKey %q", key)
		}
	}
	return parts[0], parts[1], parts[2], nil
}
