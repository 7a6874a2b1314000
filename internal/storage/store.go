package storage

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
)

// ErrKeyMismatch is returned when a record is stored under a key that is
// not its own decimal record id.
var ErrKeyMismatch = errors.New("storage: key does not match record_id")

// Store is an immutable, indexed set of records held by one worker.
// It is safe for concurrent use because nothing changes after New.
type Store struct {
	rows []cluster.Record // sorted by record id; a row's index is its bitmap position
	keys []string

	byName     map[string]*roaring.Bitmap
	byLocation map[string]*roaring.Bitmap
	byYear     map[uint16]*roaring.Bitmap
}

// StoreStats describes the shape of a Store.
type StoreStats struct {
	Records   int // Number of records
	Names     int // Distinct names
	Locations int // Distinct locations
	Years     int // Distinct years
}

// New builds a Store from records keyed by stringified record id.
// Every key must equal the decimal form of its record's ID.
func New(records map[string]cluster.Record) (*Store, error) {
	if len(records) > math.MaxUint32 {
		return nil, fmt.Errorf("storage: %d records exceed the index capacity", len(records))
	}

	s := &Store{
		rows:       make([]cluster.Record, 0, len(records)),
		keys:       make([]string, 0, len(records)),
		byName:     make(map[string]*roaring.Bitmap),
		byLocation: make(map[string]*roaring.Bitmap),
		byYear:     make(map[uint16]*roaring.Bitmap),
	}

	for key, rec := range records {
		if key != rec.Key() {
			return nil, fmt.Errorf("%w: key %q holds record_id %d", ErrKeyMismatch, key, rec.ID)
		}
		s.rows = append(s.rows, rec)
	}
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].ID < s.rows[j].ID })

	for i, rec := range s.rows {
		row := uint32(i)
		s.keys = append(s.keys, rec.Key())
		bitmapFor(s.byName, rec.Name).Add(row)
		bitmapFor(s.byLocation, rec.Location).Add(row)
		bitmapFor(s.byYear, rec.Year).Add(row)
	}
	for _, idx := range []map[string]*roaring.Bitmap{s.byName, s.byLocation} {
		for _, bm := range idx {
			bm.RunOptimize()
		}
	}
	for _, bm := range s.byYear {
		bm.RunOptimize()
	}

	return s, nil
}

func bitmapFor[K comparable](idx map[K]*roaring.Bitmap, k K) *roaring.Bitmap {
	bm, ok := idx[k]
	if !ok {
		bm = roaring.New()
		idx[k] = bm
	}
	return bm
}

// Query returns the records matching call as a fresh ResultSet:
//
//	ByName      name == Name
//	ByLocation  location == Location
//	ByYear      location == Location && year == Year
//
// Matching is exact and case-sensitive. A call nothing matches yields an
// empty, non-nil set.
func (s *Store) Query(call rpc.Call) cluster.ResultSet {
	return rpc.Visit[cluster.ResultSet](call, indexQuery{s})
}

// Scan answers call by testing every record against the predicate directly.
// It returns the same sets as Query without using the indexes.
func (s *Store) Scan(call rpc.Call) cluster.ResultSet {
	return rpc.Visit[cluster.ResultSet](call, scanQuery{s})
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.rows)
}

// Stats returns the record count and the size of each index.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Records:   len(s.rows),
		Names:     len(s.byName),
		Locations: len(s.byLocation),
		Years:     len(s.byYear),
	}
}

func (s *Store) collect(bm *roaring.Bitmap) cluster.ResultSet {
	if bm == nil {
		return cluster.ResultSet{}
	}
	rs := make(cluster.ResultSet, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		row := it.Next()
		rs[s.keys[row]] = s.rows[row]
	}
	return rs
}

type indexQuery struct{ s *Store }

func (q indexQuery) VisitByName(c rpc.ByName) cluster.ResultSet {
	return q.s.collect(q.s.byName[c.Name])
}

func (q indexQuery) VisitByLocation(c rpc.ByLocation) cluster.ResultSet {
	return q.s.collect(q.s.byLocation[c.Location])
}

func (q indexQuery) VisitByYear(c rpc.ByYear) cluster.ResultSet {
	loc, ok := q.s.byLocation[c.Location]
	if !ok {
		return cluster.ResultSet{}
	}
	year, ok := q.s.byYear[c.Year]
	if !ok {
		return cluster.ResultSet{}
	}
	return q.s.collect(roaring.And(loc, year))
}

type scanQuery struct{ s *Store }

func (q scanQuery) VisitByName(c rpc.ByName) cluster.ResultSet {
	return q.s.filter(func(r cluster.Record) bool { return r.Name == c.Name })
}

func (q scanQuery) VisitByLocation(c rpc.ByLocation) cluster.ResultSet {
	return q.s.filter(func(r cluster.Record) bool { return r.Location == c.Location })
}

func (q scanQuery) VisitByYear(c rpc.ByYear) cluster.ResultSet {
	return q.s.filter(func(r cluster.Record) bool {
		return r.Location == c.Location && r.Year == c.Year
	})
}

func (s *Store) filter(match func(cluster.Record) bool) cluster.ResultSet {
	rs := cluster.ResultSet{}
	for i, rec := range s.rows {
		if match(rec) {
			rs[s.keys[i]] = rec
		}
	}
	return rs
}
