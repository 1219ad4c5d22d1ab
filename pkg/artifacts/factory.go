package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Options selects and configures a bundle store.
type Options struct {
	Type StoreType
	// Dir is the base directory of the fs store.
	Dir string

	Bucket   string
	Prefix   string
	Region   string // s3
	Endpoint string // s3
}

// Open creates the store described by opts. The default is fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", StoreTypeFS:
		if opts.Dir == "" {
			return nil, fmt.Errorf("artifact dir is required for fs storage")
		}
		return NewFileStore(opts.Dir)
	case StoreTypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 storage")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case StoreTypeGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for GCS storage")
		}
		return openGCS(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", opts.Type)
	}
}
