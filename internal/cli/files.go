package cli

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-xfer/internal/core"
	"github.com/rescale/rescale-xfer/internal/listing"
	"github.com/rescale/rescale-xfer/internal/pathutil"
	"github.com/rescale/rescale-xfer/internal/sftpfs"
)

// newMvCmd creates the 'mv' command.
func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "mv <connection> <old-path> <new-path>",
		Aliases: []string{"rename"},
		Short:   "Rename or move a path on a connection",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, oldPath, newPath := args[0], args[1], args[2]
			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				client, err := eng.SFTP(ctx, connID)
				if err != nil {
					return err
				}
				resolved, err := resolvePaths(client, oldPath, newPath)
				if err != nil {
					return err
				}
				eng.Refresher().Watch(connID, pathutil.Dir(connID, resolved[0]))
				return awaitOperation(ctx, client, client.Rename(resolved[0], resolved[1]))
			})
		},
	}
}

// newRmCmd creates the 'rm' command.
func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <connection> <path> [path...]",
		Short: "Delete files or directories on a connection",
		Long: `Delete remote files or directory trees.

Deleting a path that no longer exists succeeds. Up to --max-concurrent
paths are deleted at once.

Example:
  rescale-xfer rm hpc /scratch/run1/tmp /scratch/run1/core.1234`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, paths := args[0], args[1:]
			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				client, err := eng.SFTP(ctx, connID)
				if err != nil {
					return err
				}
				if paths, err = resolvePaths(client, paths...); err != nil {
					return err
				}
				eng.Refresher().Watch(connID, pathutil.Dir(connID, paths[0]))
				return runDeletes(ctx, client, paths, GetConfig().General.MaxConcurrent)
			})
		},
	}
}

// runDeletes deletes paths with at most limit in flight. A failed delete does not
// stop the others.
func runDeletes(ctx context.Context, client *sftpfs.Client, paths []string, limit int) error {
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(limit)

	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := awaitOperation(ctx, client, client.Delete(p)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				GetLogger().Debug().Err(err).Msg("Delete failed")
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete cancelled: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("delete cancelled: %w", ctx.Err())
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d deletes failed", n, len(paths))
	}
	return nil
}

// newLsCmd creates the 'ls' command.
func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <connection> [dir]",
		Short: "List a directory on a connection",
		Long: `List a directory on any connection: local, sftp, s3 or azure.

Without [dir] the connection's root (or home directory for SFTP) is listed.

Examples:
  rescale-xfer ls local ~/data
  rescale-xfer ls hpc /scratch
  rescale-xfer ls archive /runs/2025`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID := args[0]
			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				dir := eng.DefaultDir(connID)
				if len(args) == 2 {
					dir = args[1]
				}
				if pathutil.IsLocal(connID) {
					resolved, err := pathutil.ResolveAbsolutePath(dir)
					if err != nil {
						return err
					}
					dir = resolved
				}

				if _, err := eng.Lister(ctx, connID); err != nil {
					return err
				}
				eng.Refresher().Watch(connID, dir)
				entries, err := eng.Refresher().RefreshNow(ctx, connID)
				if err != nil {
					return err
				}
				printListing(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
}

func printListing(w io.Writer, entries []listing.Entry) {
	for _, e := range entries {
		size := fmt.Sprintf("%d", e.Size)
		name := e.Name
		if e.IsDir {
			size = "-"
			name += "/"
		}
		modified := ""
		if !e.ModTime.IsZero() {
			modified = e.ModTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%12s  %-19s  %s\n", size, modified, name)
	}
}
