// Package azure lists Azure Blob Storage containers as a directory tree.
package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/rescale-xfer/internal/cloud"
	"github.com/rescale/rescale-xfer/internal/listing"
)

// Config describes one container endpoint.
type Config struct {
	ServiceURL string // e.g. https://account.blob.core.windows.net/
	Container  string
	Prefix     string // fixed blob prefix treated as the root

	// Shared key auth when AccountKey is set, otherwise SASToken (or a SAS already
	// embedded in ServiceURL) is used.
	AccountName string
	AccountKey  string
	SASToken    string
}

// Lister implements listing.Lister for a container.
type Lister struct {
	container *container.Client
	prefix    string
}

// New creates a lister whose requests go through httpClient.
func New(cfg Config, httpClient *nethttp.Client) (*Lister, error) {
	if cfg.ServiceURL == "" || cfg.Container == "" {
		return nil, errors.New("azure: service_url and container are required")
	}

	opts := &azblob.ClientOptions{}
	if httpClient != nil {
		// Preserve the shared connection pool
		opts.ClientOptions = azcore.ClientOptions{Transport: httpClient}
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.AccountKey != "" {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("invalid Azure shared key: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(cfg.ServiceURL, cred, opts)
	} else {
		client, err = azblob.NewClientWithNoCredential(serviceURLWithSAS(cfg.ServiceURL, cfg.SASToken), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &Lister{
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		prefix:    cfg.Prefix,
	}, nil
}

// serviceURLWithSAS appends a SAS token unless the URL already carries a query.
func serviceURLWithSAS(serviceURL, sas string) string {
	sas = strings.TrimPrefix(sas, "?")
	if sas == "" || strings.Contains(serviceURL, "?") {
		return serviceURL
	}
	return serviceURL + "?" + sas
}

// List implements listing.Lister using a hierarchy listing with "/" as delimiter.
func (l *Lister) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	od := cloud.NewObjectDir(l.prefix, dir)

	opts := &container.ListBlobsHierarchyOptions{}
	if od.KeyPrefix != "" {
		prefix := od.KeyPrefix
		opts.Prefix = &prefix
	}

	var entries []listing.Entry
	pager := l.container.NewListBlobsHierarchyPager("/", opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list container prefix %q: %w", od.KeyPrefix, err)
		}
		entries = append(entries, segmentEntries(od, page.Segment)...)
	}
	return entries, nil
}

func segmentEntries(od cloud.ObjectDir, seg *container.BlobHierarchyListSegment) []listing.Entry {
	if seg == nil {
		return nil
	}

	entries := make([]listing.Entry, 0, len(seg.BlobPrefixes)+len(seg.BlobItems))
	for _, p := range seg.BlobPrefixes {
		if p == nil || p.Name == nil {
			continue
		}
		name, displayPath, ok := od.Child(*p.Name)
		if !ok {
			continue
		}
		entries = append(entries, listing.Entry{Name: name, Path: displayPath, IsDir: true})
	}
	for _, item := range seg.BlobItems {
		if item == nil || item.Name == nil {
			continue
		}
		name, displayPath, ok := od.Child(*item.Name)
		if !ok {
			continue
		}
		e := listing.Entry{Name: name, Path: displayPath}
		if props := item.Properties; props != nil {
			if props.ContentLength != nil {
				e.Size = *props.ContentLength
			}
			if props.LastModified != nil {
				e.ModTime = *props.LastModified
			}
		}
		entries = append(entries, e)
	}
	return entries
}
