// Package s3 lists S3 (and S3-compatible) buckets as a directory tree.
package s3

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/rescale-xfer/internal/cloud"
	"github.com/rescale/rescale-xfer/internal/listing"
)

// Config describes one bucket endpoint.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores; enables path-style addressing
	Prefix   string // fixed key prefix treated as the root

	// Static credentials from the environment. When empty the default AWS
	// credential chain (env, shared config, instance role) is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Lister implements listing.Lister for a bucket.
type Lister struct {
	api    s3.ListObjectsV2APIClient
	bucket string
	prefix string
}

// New creates a lister using httpClient for all requests.
func New(ctx context.Context, cfg Config, httpClient *nethttp.Client) (*Lister, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithAPI creates a lister over an existing ListObjectsV2 client.
func NewWithAPI(api s3.ListObjectsV2APIClient, bucket, prefix string) *Lister {
	return &Lister{api: api, bucket: bucket, prefix: prefix}
}

// List implements listing.Lister. Common prefixes become directories.
func (l *Lister) List(ctx context.Context, dir string) ([]listing.Entry, error) {
	od := cloud.NewObjectDir(l.prefix, dir)

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(l.bucket),
		Delimiter: aws.String("/"),
	}
	if od.KeyPrefix != "" {
		input.Prefix = aws.String(od.KeyPrefix)
	}

	var entries []listing.Entry
	paginator := s3.NewListObjectsV2Paginator(l.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", l.bucket, od.KeyPrefix, err)
		}
		entries = append(entries, pageEntries(od, page.CommonPrefixes, page.Contents)...)
	}
	return entries, nil
}

func pageEntries(od cloud.ObjectDir, prefixes []types.CommonPrefix, objects []types.Object) []listing.Entry {
	entries := make([]listing.Entry, 0, len(prefixes)+len(objects))
	for _, p := range prefixes {
		name, displayPath, ok := od.Child(aws.ToString(p.Prefix))
		if !ok {
			continue
		}
		entries = append(entries, listing.Entry{Name: name, Path: displayPath, IsDir: true})
	}
	for _, obj := range objects {
		name, displayPath, ok := od.Child(aws.ToString(obj.Key))
		if !ok {
			continue
		}
		entries = append(entries, listing.Entry{
			Name:    name,
			Path:    displayPath,
			Size:    aws.ToInt64(obj.Size),
			ModTime: aws.ToTime(obj.LastModified),
		})
	}
	return entries
}
