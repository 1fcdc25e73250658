package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NormalizeRequest canonicalizes a request so cosmetic differences do
// not produce distinct fingerprints: case is folded and whitespace runs
// collapse to single spaces.
func NormalizeRequest(request string) string {
	return strings.Join(strings.Fields(strings.ToLower(request)), " ")
}

// Fingerprint derives the deterministic cache key for a request against
// a set of context files. The same request and the same file contents
// always produce the same fingerprint, regardless of map iteration
// order.
func Fingerprint(request string, fileHashes map[string]string) string {
	paths := make([]string, 0, len(fileHashes))
	for path := range fileHashes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(NormalizeRequest(request)))
	h.Write([]byte{'\n'})
	for _, path := range paths {
		h.Write([]byte(path))
		h.Write([]byte{':'})
		h.Write([]byte(fileHashes[path]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
