// Package s3 implements blobstore.Store backed by AWS S3.
//
// Construct the client with the standard SDK config loader:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	if err != nil { ... }
//	store := s3.NewStore(awss3.NewFromConfig(cfg), bucket, prefix)
package s3
