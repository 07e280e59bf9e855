package localfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileEntry is one file or directory on the local filesystem.
type FileEntry struct {
	Path    string
	Name    string
	Size    int64 // 0 for directories
	IsDir   bool
	ModTime time.Time
	Mode    fs.FileMode
}

// ListDirectory returns the entries of dir filtered by opts, sorted by name.
func ListDirectory(ctx context.Context, dir string, opts ListOptions) ([]FileEntry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make([]FileEntry, 0, len(des))
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !opts.IncludeHidden && Hidden(de.Name()) {
			continue
		}
		// Entries deleted or unreadable since ReadDir are left out
		if fe, ok := newFileEntry(filepath.Join(dir, de.Name()), de); ok {
			out = append(out, fe)
		}
	}
	return out, nil
}

// WalkFunc is called for every entry Walk visits. Returning filepath.SkipDir for a
// directory skips its contents; any other error stops the walk.
type WalkFunc func(entry FileEntry) error

// Walk visits root and everything below it depth-first, directories before their
// contents. Unreadable entries are skipped.
func Walk(root string, opts WalkOptions, fn WalkFunc) error {
	return filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != root {
			ignore, prune := opts.filter(de.Name(), de.IsDir())
			if prune {
				return filepath.SkipDir
			}
			if ignore {
				return nil
			}
		}

		fe, ok := newFileEntry(p, de)
		if !ok {
			return nil
		}
		return fn(fe)
	})
}

// WalkFiles is Walk restricted to regular files; it expands directory uploads.
func WalkFiles(root string, opts WalkOptions, fn WalkFunc) error {
	return Walk(root, opts, func(entry FileEntry) error {
		if entry.IsDir {
			return nil
		}
		return fn(entry)
	})
}

func newFileEntry(p string, de fs.DirEntry) (FileEntry, bool) {
	info, err := de.Info()
	if err != nil {
		return FileEntry{}, false
	}
	fe := FileEntry{
		Path:    p,
		Name:    de.Name(),
		IsDir:   de.IsDir(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	}
	if !fe.IsDir {
		fe.Size = info.Size()
	}
	return fe, true
}
