package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dreamware/census/internal/cluster"
)

// ErrLoad wraps every failure to bring up a worker's dataset.
var ErrLoad = errors.New("storage: load failed")

type encoding struct {
	suffix string
	reader func(io.Reader) (io.ReadCloser, error)
}

// encodings are tried in order for each group.
var encodings = []encoding{
	{suffix: "", reader: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	}},
	{suffix: ".zst", reader: func(r io.Reader) (io.ReadCloser, error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}},
	{suffix: ".lz4", reader: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	}},
}

// ObjectNames lists the file names Load looks for, in order:
// data-<group>.json, then its .zst and .lz4 compressed forms.
func ObjectNames(group cluster.Group) []string {
	names := make([]string, 0, len(encodings))
	for _, enc := range encodings {
		names = append(names, group.FileName()+enc.suffix)
	}
	return names
}

// Load reads the shard file for group from src and builds its Store.
// The first name from ObjectNames that src holds is used.
func Load(ctx context.Context, src Source, group cluster.Group) (*Store, error) {
	for _, enc := range encodings {
		name := group.FileName() + enc.suffix

		rc, err := src.Open(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: open %s from %s: %w", ErrLoad, name, src, err)
		}

		store, err := read(rc, enc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s from %s: %w", ErrLoad, name, src, err)
		}
		return store, nil
	}

	return nil, fmt.Errorf("%w: no shard file for group %s in %s", ErrLoad, group, src)
}

func read(r io.Reader, enc encoding) (*Store, error) {
	body, err := enc.reader(r)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return Decode(body)
}

// Decode parses an uncompressed shard file, a JSON object mapping
// stringified record ids to records, into a Store.
func Decode(r io.Reader) (*Store, error) {
	var records map[string]cluster.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("parse shard file: %w", err)
	}
	if records == nil {
		return nil, errors.New("parse shard file: not a JSON object")
	}
	return New(records)
}
