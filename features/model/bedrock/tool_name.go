package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen = 64
	toolNameHash   = 8
)

// SanitizeToolName maps a tool name such as "repo.read_file" to the name
// registered with Bedrock. The mapping is deterministic: dots become
// underscores, runes outside [a-zA-Z0-9_-] become '_', and names longer than
// 64 bytes are truncated with a stable hash suffix. Tool calls are translated
// back to the original name through the per-request reverse map.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, in)
	if len(sanitized) <= maxToolNameLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:toolNameHash]
	return sanitized[:maxToolNameLen-1-toolNameHash] + "_" + suffix
}
