// Package archive keeps a durable copy of settled invoices in S3.
//
// An invoice is archived once it reaches a final state (paid, failed or void), together
// with its attempt history. Records are JSON objects carrying a SHA-256 checksum in their
// metadata, verified on read.
//
// # Usage Example
//
//	arc, err := archive.NewS3Archive(ctx, archive.Options{
//		Region: "us-east-1",
//		Bucket: "dunning-invoices",
//		Prefix: "invoices",
//	})
//	engine := recovery.New(store, gateway, locker, logger, recovery.WithArchive(arc))
//
// # Related Packages
//
//   - pkg/recovery: Archives invoices when they settle
//   - pkg/config: Archive configuration
package archive
