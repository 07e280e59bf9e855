package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/core"
	"github.com/rescale/rescale-xfer/internal/localfs"
	"github.com/rescale/rescale-xfer/internal/pathutil"
	"github.com/rescale/rescale-xfer/internal/progress"
	"github.com/rescale/rescale-xfer/internal/sftpfs"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// newUploadCmd creates the 'upload' command.
func newUploadCmd() *cobra.Command {
	var includeHidden bool

	cmd := &cobra.Command{
		Use:   "upload <connection> <dest-dir> <local-path> [local-path...]",
		Short: "Upload local files or directories to a connection",
		Long: `Upload local files and directories into <dest-dir> on an SFTP connection.

Directories are uploaded recursively, keeping their own name under <dest-dir>.
A relative <dest-dir> is taken from the login directory.
Up to --max-concurrent files are transferred at once. Ctrl+C cancels
in-flight transfers, which are recorded as cancelled.

Examples:
  rescale-xfer upload hpc /scratch/run1 input.dat mesh.msh
  rescale-xfer upload hpc /scratch ./case-dir --max-concurrent 8`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, destDir, sources := args[0], args[1], args[2:]

			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				client, err := eng.SFTP(ctx, connID)
				if err != nil {
					return err
				}
				if destDir, err = client.Resolve(destDir); err != nil {
					return err
				}

				specs, err := expandUploads(connID, destDir, sources, localfs.WalkOptions{
					IncludeHidden:  includeHidden,
					SkipHiddenDirs: !includeHidden,
				})
				if err != nil {
					return err
				}
				if len(specs) == 0 {
					return errors.New("nothing to upload")
				}

				eng.Refresher().Watch(connID, destDir)
				return runUploads(ctx, eng, client, specs, GetConfig().General.MaxConcurrent)
			})
		},
	}

	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Include hidden files and directories")
	return cmd
}

// expandUploads turns command-line sources into transfer specs. Files land directly
// under destDir; directories are walked and keep their base name under destDir.
func expandUploads(connID, destDir string, sources []string, opts localfs.WalkOptions) ([]transfer.Spec, error) {
	var (
		files    []string
		fromDirs []transfer.Spec
	)

	for _, src := range sources {
		abs, err := pathutil.ResolveAbsolutePath(src)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", src, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot upload %s: %w", src, err)
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}

		base := filepath.Base(abs)
		err = localfs.WalkFiles(abs, opts, func(entry localfs.FileEntry) error {
			rel, err := filepath.Rel(abs, entry.Path)
			if err != nil {
				return err
			}
			fromDirs = append(fromDirs, transfer.Spec{
				SourceConnectionID:      constants.LocalConnectionID,
				SourcePath:              entry.Path,
				DestinationConnectionID: connID,
				DestinationPath:         pathutil.Join(connID, destDir, base, filepath.ToSlash(rel)),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", src, err)
		}
	}

	specs := transfer.SpecsFromSources(constants.LocalConnectionID, files, connID, destDir)
	return append(specs, fromDirs...), nil
}

// runUploads uploads specs with at most limit in flight and reports every result.
// A failed file does not stop the others.
func runUploads(ctx context.Context, eng *core.Engine, client *sftpfs.Client, specs []transfer.Spec, limit int) error {
	stopView := startView(ctx, eng, len(specs))
	defer stopView()

	var (
		g        errgroup.Group
		failures atomic.Int32
	)
	g.SetLimit(limit)

	for _, spec := range specs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			id := client.Upload(ctx, spec.SourcePath, spec.DestinationPath)
			op, err := client.Await(ctx, id)
			if err != nil {
				return err
			}
			if op.State == sftpfs.StateFailed {
				failures.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return fmt.Errorf("upload cancelled: %w", ctx.Err())
	}
	if err != nil {
		return err
	}
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d of %d uploads failed", n, len(specs))
	}
	return nil
}

// startView renders transfer events until the returned stop function is called.
func startView(ctx context.Context, eng *core.Engine, expected int) func() {
	if noProgress {
		return func() {}
	}

	view := progress.NewTransferView(expected)
	ch := eng.Events().SubscribeAll()

	viewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		view.Run(viewCtx, ch)
	}()

	return func() {
		cancel()
		<-done
		eng.Events().UnsubscribeAll(ch)
		view.Wait()
	}
}

// newDownloadCmd creates the 'download' command.
func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <connection> <remote-path> <local-path>",
		Short: "Download a file from a connection",
		Long: `Download a single remote file to <local-path>.

If <local-path> is an existing directory the file keeps its remote name.

Examples:
  rescale-xfer download hpc /scratch/run1/results.csv .
  rescale-xfer download hpc /scratch/run1/log.txt ~/logs/run1.txt`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, remotePath := args[0], args[1]

			localPath, err := pathutil.ResolveAbsolutePath(args[2])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[2], err)
			}
			if info, err := os.Stat(localPath); err == nil && info.IsDir() {
				localPath = filepath.Join(localPath, pathutil.BaseName(connID, remotePath))
			}

			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				client, err := eng.SFTP(ctx, connID)
				if err != nil {
					return err
				}

				var reporter progress.Reporter = progress.NoOpProgress{}
				if !noProgress {
					reporter = progress.NewCLIProgress()
				}
				ch := eng.Events().SubscribeAll()
				followCtx, cancel := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					progress.Follow(followCtx, ch, reporter)
				}()

				err = client.Download(ctx, remotePath, localPath)
				cancel()
				<-done
				eng.Events().UnsubscribeAll(ch)

				if err != nil {
					return fmt.Errorf("download %s failed: %w", remotePath, err)
				}
				eng.Notifier().TransferFinished(pathutil.BaseName(connID, remotePath), localPath)
				return nil
			})
		},
	}
	return cmd
}

// newCpCmd creates the 'cp' command.
func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <connection> <source> <destination>",
		Short: "Copy a file on a connection",
		Long: `Copy a remote file to another path on the same connection.

The data streams through this machine.

Example:
  rescale-xfer cp hpc /scratch/run1/input.dat /scratch/run2/input.dat`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID, src, dst := args[0], args[1], args[2]
			return withEngine(func(ctx context.Context, eng *core.Engine) error {
				client, err := eng.SFTP(ctx, connID)
				if err != nil {
					return err
				}
				resolved, err := resolvePaths(client, src, dst)
				if err != nil {
					return err
				}
				src, dst = resolved[0], resolved[1]
				eng.Refresher().Watch(connID, pathutil.Dir(connID, src))

				stopView := startView(ctx, eng, 1)
				defer stopView()

				return awaitOperation(ctx, client, client.Copy(ctx, src, dst))
			})
		},
	}
}

// awaitOperation waits for a backend operation and converts a failure into an error.
// The user-facing message for the outcome comes from the reconciler.
func awaitOperation(ctx context.Context, client *sftpfs.Client, id string) error {
	op, err := client.Await(ctx, id)
	if err != nil {
		return err
	}
	if op.State == sftpfs.StateFailed {
		return fmt.Errorf("%s %s: %s", op.Kind, op.Path, op.Error)
	}
	return nil
}

// resolvePaths makes remote paths absolute; relative ones start at the login directory.
func resolvePaths(client *sftpfs.Client, paths ...string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := client.Resolve(p)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}
