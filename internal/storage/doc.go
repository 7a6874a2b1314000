// Package storage holds the records a census worker serves and loads them
// at startup.
//
// # Overview
//
// A worker owns one shard group and answers every query from memory. The
// data never changes while the process runs, so a Store is built once and
// then only read:
//
//	┌──────────────┐   Load    ┌─────────────────────────────┐
//	│    Source    │ ────────▶ │            Store            │
//	│  dir / s3    │           │ rows sorted by record id    │
//	└──────────────┘           │ name     ─▶ roaring bitmap  │
//	  data-am.json             │ location ─▶ roaring bitmap  │
//	  data-am.json.zst         │ year     ─▶ roaring bitmap  │
//	  data-am.json.lz4         └─────────────────────────────┘
//
// # Queries
//
// Query answers the three call variants:
//
//   - ByName: records whose name equals the given name
//   - ByLocation: records whose location equals the given location
//   - ByYear: records matching both location and year, computed as the
//     intersection of the location and year bitmaps
//
// Matching is exact and case-sensitive. Scan answers the same calls with a
// linear filter and exists so the indexes can be checked against it.
//
// # Shard files
//
// A shard file is a JSON object whose keys are stringified record ids:
//
//	{
//	  "5": {"record_id": 5, "name": "rakin", "location": "Kansas City", "year": 2018}
//	}
//
// A key that differs from its record's id is rejected with ErrKeyMismatch.
// Load looks for data-<group>.json first, then zstd and lz4 compressed
// copies, in a local directory (DirSource) or an S3-compatible bucket
// (MinIOSource). Every failure is wrapped in ErrLoad and a worker treats
// it as fatal.
//
// # Concurrency
//
// Store has no locks. All fields are written in New and read afterwards,
// so any number of goroutines may query it at once.
package storage
