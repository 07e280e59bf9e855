package localfs

import (
	"context"

	"github.com/rescale/rescale-xfer/internal/listing"
)

// Lister exposes the local filesystem as a listing.Lister.
type Lister struct {
	Options ListOptions
}

// List implements listing.Lister.
func (l Lister) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	files, err := ListDirectory(ctx, dir, l.Options)
	if err != nil {
		return nil, err
	}

	entries := make([]listing.Entry, len(files))
	for i, f := range files {
		entries[i] = listing.Entry{
			Name:    f.Name,
			Path:    f.Path,
			Size:    f.Size,
			IsDir:   f.IsDir,
			ModTime: f.ModTime,
		}
	}
	return entries, nil
}
