// rescale-xfer moves files between the local host and SFTP, S3 and Azure Blob
// connections, keeping directory listings current as transfers land.
//
// Build with: go build -ldflags "-X github.com/rescale/rescale-xfer/internal/version.Version=vX.Y.Z" ./cmd/rescale-xfer
package main

import (
	"os"

	"github.com/rescale/rescale-xfer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
