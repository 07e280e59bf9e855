// Package localfs lists and walks the local filesystem for the local connection.
package localfs

// ListOptions controls ListDirectory. Dot-files are skipped unless IncludeHidden is set.
type ListOptions struct {
	IncludeHidden bool
}

// WalkOptions controls Walk and WalkFiles.
type WalkOptions struct {
	IncludeHidden bool

	// SkipHiddenDirs prunes hidden directories instead of descending into them.
	// Ignored when IncludeHidden is set.
	SkipHiddenDirs bool
}

// Hidden reports whether name follows the dot-file convention. "." and ".." are not hidden.
func Hidden(name string) bool {
	return len(name) > 1 && name[0] == '.' && name != ".."
}

// filter decides what a walk does with a non-root entry: ignore drops the entry itself,
// prune also drops everything below it.
func (o WalkOptions) filter(name string, isDir bool) (ignore, prune bool) {
	if o.IncludeHidden || !Hidden(name) {
		return false, false
	}
	if !isDir {
		return true, false
	}
	return o.SkipHiddenDirs, o.SkipHiddenDirs
}
