// Package icelake is the client of an Iceberg-compatible table format
// layer. It tells a query engine which data files to read for a table,
// keeps the history of the table's schema and partitioning, and commits
// new table versions through a catalog pointer swap.
//
// # Quick Start
//
// Create a client over a filesystem catalog on local storage:
//
//	client, err := icelake.NewClient(ctx,
//	    icelake.WithFilesystemCatalog(),
//	    icelake.WithLocalStorage("/data/warehouse"),
//	)
//
// Plan a scan:
//
//	tbl, err := client.Table(ctx, "analytics", "events")
//	plan, err := tbl.Scan().
//	    Select("id", "name").
//	    Filter(table.Gt("id", int64(100))).
//	    PlanFiles(ctx)
//
// Append Arrow records as Parquet files:
//
//	res, err := tbl.Append(ctx, records)
//
// # Catalogs and storage
//
// Table pointers live in one of the memory, filesystem, ZooKeeper or REST
// catalogs. Files live on local disk, in memory or in S3. Storage calls
// can be retried on transient failures with WithTransportRetries.
//
// # Errors
//
// Errors match one of ErrSchema, ErrCodec, ErrNotFound, ErrCommitConflict,
// ErrTransport or ErrValidation through errors.Is.
package icelake
