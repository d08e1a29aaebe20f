// Package evidencecache mirrors remotely published vector index
// partitions into a local cache and scans them for claim evidence.
//
// Partitions are two-file index pairs (metadata + vectors) published to
// an object store, one directory per month plus fixed buckets. A
// background watcher polls the store for watermark changes and refreshes
// local copies atomically; a bounded-concurrency prewarm engine
// materializes per-article sub-caches; the scanner walks partitions
// newest-first collecting validated evidence for a claim.
//
// The Manager ties these together:
//
//	store, err := s3.NewDefaultStore(ctx, cfg.Bucket, cfg.IndexPrefix)
//	if err != nil { ... }
//	mgr, err := evidencecache.New(store, crawler, embedder, validator, cfg)
//	if err != nil { ... }
//	go mgr.Watch(ctx)
//	records, err := mgr.Scan(ctx, scanner.Claim{ID: "c1", Text: claim})
package evidencecache
