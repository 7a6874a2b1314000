package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidGroup is returned by ParseGroup for anything but a known shard group.
var ErrInvalidGroup = errors.New("the only valid groups are `am` and `nz`")

// Record is a single person entry held by exactly one worker.
type Record struct {
	ID       uint64 `json:"record_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Year     uint16 `json:"year"`
}

// Key is the ResultSet key for r.
func (r Record) Key() string {
	return strconv.FormatUint(r.ID, 10)
}

// ResultSet maps a stringified record id to its record.
type ResultSet map[string]Record

// Merge copies every entry of src into dst. On a key collision the entry
// from src replaces the one already in dst.
func Merge(dst, src ResultSet) {
	for k, r := range src {
		dst[k] = r
	}
}

// Equal reports whether both sets hold the same keys and records.
func (rs ResultSet) Equal(other ResultSet) bool {
	if len(rs) != len(other) {
		return false
	}
	for k, r := range rs {
		o, ok := other[k]
		if !ok || o != r {
			return false
		}
	}
	return true
}

// Group identifies which on-disk dataset a worker loads.
type Group uint8

const (
	GroupAm Group = iota + 1
	GroupNz
)

// ParseGroup converts a group tag such as "am" or "NZ" into a Group.
func ParseGroup(s string) (Group, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "am":
		return GroupAm, nil
	case "nz":
		return GroupNz, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidGroup, s)
	}
}

func (g Group) String() string {
	switch g {
	case GroupAm:
		return "am"
	case GroupNz:
		return "nz"
	default:
		return "unimplemented"
	}
}

// FileName is the base name of the shard file for g.
func (g Group) FileName() string {
	return "data-" + g.String() + ".json"
}

// Endpoint is one worker known to a router.
type Endpoint struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// NewEndpoint builds an Endpoint whose ID is its address.
func NewEndpoint(addr string) Endpoint {
	return Endpoint{ID: addr, Addr: addr}
}

func (e Endpoint) String() string {
	if e.ID == "" || e.ID == e.Addr {
		return e.Addr
	}
	return e.ID + "@" + e.Addr
}
