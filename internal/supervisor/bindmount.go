package supervisor

import (
	"fmt"
	"strings"
)

// sensitiveSegments are host-path substrings an agent container must never
// be allowed to read: credentials, keys, and cloud config that would let a
// compromised agent exfiltrate the operator's secrets.
var sensitiveSegments = []string{
	"/.ssh", "/.aws", "/.gnupg", "/.config/gcloud", "/.kube",
	"/credentials", "/.env", "/id_rsa", "/id_ed25519", "/.git/config",
}

// ValidateBindMounts rejects any bind spec whose host path (the substring
// before the first ':') contains a path-traversal segment or a sensitive
// path segment.
func ValidateBindMounts(binds []string) error {
	for _, b := range binds {
		hostPath := b
		if idx := strings.IndexByte(b, ':'); idx >= 0 {
			hostPath = b[:idx]
		}
		if strings.Contains(hostPath, "..") {
			return fmt.Errorf("bind mount %q: host path contains '..'", b)
		}
		for _, seg := range sensitiveSegments {
			if strings.Contains(hostPath, seg) {
				return fmt.Errorf("bind mount %q: host path touches sensitive segment %q", b, seg)
			}
		}
	}
	return nil
}
