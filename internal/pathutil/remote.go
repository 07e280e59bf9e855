// Package pathutil applies the path rules of each endpoint: OS paths for the local
// connection, slash-separated paths for every remote one.
package pathutil

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// BaseName returns the final segment of p on connectionID. Local paths accept both
// '/' and '\' separators; on a remote server only '/' separates, since '\' is a
// legal file name character there. Trailing separators are ignored and the root
// itself is returned unchanged.
func BaseName(connectionID, p string) string {
	seps := "/"
	if IsLocal(connectionID) {
		seps = `/\`
	}
	trimmed := strings.TrimRight(p, seps)
	if trimmed == "" {
		return p
	}
	if i := strings.LastIndexAny(trimmed, seps); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// IsLocal reports whether connectionID denotes this host.
func IsLocal(connectionID string) bool {
	return connectionID == constants.LocalConnectionID
}

// IsAbs checks p against the path rules of the endpoint it belongs to.
// Remote endpoints always use slash-separated paths.
func IsAbs(connectionID, p string) bool {
	if IsLocal(connectionID) {
		return filepath.IsAbs(p)
	}
	return path.IsAbs(p)
}

// Join joins elements with the separator of the endpoint they belong to.
func Join(connectionID string, elem ...string) string {
	if IsLocal(connectionID) {
		return filepath.Join(elem...)
	}
	return path.Join(elem...)
}

// Dir returns the parent directory of p on the given endpoint.
func Dir(connectionID, p string) string {
	if IsLocal(connectionID) {
		return filepath.Dir(p)
	}
	return path.Dir(p)
}
