package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
)

const shardJSON = `{
  "1": {"record_id": 1, "name": "rakin", "location": "Kansas City", "year": 2018},
  "2": {"record_id": 2, "name": "moe", "location": "Seoul", "year": 2019}
}`

func writeFile(t *testing.T, dir, name string, body []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))
}

func zstdBytes(t *testing.T, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func lz4Bytes(t *testing.T, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	_, err := w.Write([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestObjectNames(t *testing.T) {
	assert.Equal(t, []string{"data-am.json", "data-am.json.zst", "data-am.json.lz4"}, ObjectNames(cluster.GroupAm))
	assert.Equal(t, "data-nz.json", ObjectNames(cluster.GroupNz)[0])
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name string
		file string
		body func(t *testing.T) []byte
	}{
		{name: "plain", file: "data-am.json", body: func(*testing.T) []byte { return []byte(shardJSON) }},
		{name: "zstd", file: "data-am.json.zst", body: func(t *testing.T) []byte { return zstdBytes(t, shardJSON) }},
		{name: "lz4", file: "data-am.json.lz4", body: func(t *testing.T) []byte { return lz4Bytes(t, shardJSON) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.file, tt.body(t))

			s, err := Load(context.Background(), DirSource{Dir: dir}, cluster.GroupAm)
			require.NoError(t, err)
			assert.Equal(t, 2, s.Len())
			assert.Equal(t, cluster.ResultSet{
				"1": {ID: 1, Name: "rakin", Location: "Kansas City", Year: 2018},
			}, s.Query(rpc.ByName{Name: "rakin"}))
		})
	}
}

func TestLoadPrefersPlainFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data-nz.json", []byte(`{"9": {"record_id": 9, "name": "zed", "location": "Oslo", "year": 2001}}`))
	writeFile(t, dir, "data-nz.json.zst", zstdBytes(t, shardJSON))

	s, err := Load(context.Background(), DirSource{Dir: dir}, cluster.GroupNz)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name  string
		files map[string][]byte
		also  error
	}{
		{name: "missing", files: nil},
		{name: "other group only", files: map[string][]byte{"data-nz.json": []byte(shardJSON)}},
		{name: "bad json", files: map[string][]byte{"data-am.json": []byte(`{"1": {"record_id": `)}},
		{name: "not an object", files: map[string][]byte{"data-am.json": []byte(`null`)}},
		{name: "wrong types", files: map[string][]byte{"data-am.json": []byte(`{"1": {"record_id": "one"}}`)}},
		{
			name:  "key mismatch",
			files: map[string][]byte{"data-am.json": []byte(`{"1": {"record_id": 2, "name": "moe", "location": "Oslo", "year": 2001}}`)},
			also:  ErrKeyMismatch,
		},
		{name: "corrupt zstd", files: map[string][]byte{"data-am.json.zst": []byte("definitely not zstd")}},
		{name: "corrupt lz4", files: map[string][]byte{"data-am.json.lz4": []byte("definitely not lz4")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tt.files {
				writeFile(t, dir, name, body)
			}

			_, err := Load(context.Background(), DirSource{Dir: dir}, cluster.GroupAm)
			require.ErrorIs(t, err, ErrLoad)
			if tt.also != nil {
				assert.ErrorIs(t, err, tt.also)
			}
		})
	}
}

type brokenSource struct{}

func (brokenSource) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("disk on fire")
}

func (brokenSource) String() string { return "broken" }

func TestLoadSourceError(t *testing.T) {
	_, err := Load(context.Background(), brokenSource{}, cluster.GroupAm)
	require.ErrorIs(t, err, ErrLoad)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello", []byte("world"))
	src := DirSource{Dir: dir}

	rc, err := src.Open(context.Background(), "hello")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "world", string(body))

	_, err = src.Open(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, "dir:"+dir, src.String())
	assert.Equal(t, "dir:.", DirSource{}.String())
}

func TestMinIOSource(t *testing.T) {
	src, err := NewMinIOSource("127.0.0.1:9000", MinIOOptions{
		Bucket:    "census",
		Prefix:    "shards/v1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	assert.Equal(t, "shards/v1/data-am.json", src.key("data-am.json"))
	assert.Equal(t, "s3://census/shards/v1", src.String())

	bare, err := NewMinIOSource("127.0.0.1:9000", MinIOOptions{Bucket: "census"})
	require.NoError(t, err)
	assert.Equal(t, "data-nz.json.zst", bare.key("data-nz.json.zst"))

	_, err = NewMinIOSource("127.0.0.1:9000", MinIOOptions{})
	assert.Error(t, err)
}
