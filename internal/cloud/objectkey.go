// Package cloud holds helpers shared by the object-store listers.
package cloud

import (
	"path"
	"strings"
)

// ObjectDir maps a displayed directory onto an object-store key prefix.
// Object stores have no directories; "/" is the delimiter by convention.
type ObjectDir struct {
	Dir       string // cleaned display path, always absolute
	KeyPrefix string // "" for the root of the store, otherwise ends with "/"
}

// NewObjectDir resolves dir under an optional fixed base prefix.
func NewObjectDir(basePrefix, dir string) ObjectDir {
	clean := path.Clean("/" + dir)
	key := strings.Trim(path.Join(strings.Trim(basePrefix, "/"), strings.TrimPrefix(clean, "/")), "/")
	if key != "" {
		key += "/"
	}
	return ObjectDir{Dir: clean, KeyPrefix: key}
}

// Child returns the display name and path for a key or common prefix under d.
// ok is false for the directory marker object itself.
func (d ObjectDir) Child(key string) (name, displayPath string, ok bool) {
	name = strings.TrimSuffix(strings.TrimPrefix(key, d.KeyPrefix), "/")
	if name == "" {
		return "", "", false
	}
	return name, path.Join(d.Dir, name), true
}
