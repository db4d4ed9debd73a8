// Package strata implements an embedded, mmap-backed, copy-on-write
// object database: a B+tree forest of column-major clusters, with a
// two-region alternating-top-ref commit protocol supporting many
// concurrent readers and a single writer across threads and
// processes.
//
// This package is the public surface: Database, ReadTransaction and
// WriteTransaction, Group, Table, Object. Everything below internal/
// implements the storage engine the surface exposes.
package strata
