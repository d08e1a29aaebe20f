package indexpair

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/factseeker/evidencecache/codec"
	"github.com/stretchr/testify/require"
)

func samplePair() (Meta, [][]float32) {
	meta := Meta{
		Version: 1,
		Entries: []Entry{
			{URL: "https://news.example/a", Title: "A"},
			{URL: "https://news.example/b", Title: "B"},
			{URL: "https://news.example/c", Title: "C"},
		},
	}
	vecs := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
		{0.7, 0.8, 0.9},
	}
	return meta, vecs
}

func TestWriteLoadRoundtrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()

	require.NoError(t, Write(dir, codec.Default, meta, vecs))

	pair, err := Load(dir, codec.Default)
	require.NoError(t, err)
	require.Equal(t, meta, pair.Meta)
	require.Equal(t, vecs, pair.Vectors)
	require.Equal(t, 3, pair.Dim())
}

func TestLoadMissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "partition_1"), codec.Default)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoadTornPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()
	require.NoError(t, Write(dir, codec.Default, meta, vecs))

	require.NoError(t, os.Remove(filepath.Join(dir, VectorsFile)))

	_, err := Load(dir, codec.Default)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestLoadEmptyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()
	require.NoError(t, Write(dir, codec.Default, meta, vecs))

	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), nil, 0o644))

	_, err := Load(dir, codec.Default)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestLoadCorruptVectors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()
	require.NoError(t, Write(dir, codec.Default, meta, vecs))

	path := filepath.Join(dir, VectorsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // flip a checksum byte
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(dir, codec.Default)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestLoadCountMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()

	metaRaw, err := EncodeMeta(codec.Default, meta)
	require.NoError(t, err)
	vecRaw, err := EncodeVectors(vecs[:2])
	require.NoError(t, err)
	require.NoError(t, WriteRaw(dir, metaRaw, vecRaw))

	_, err = Load(dir, codec.Default)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestWriteCountMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()
	err := Write(dir, codec.Default, meta, vecs[:2])
	require.Error(t, err)
	_, statErr := os.Stat(dir)
	require.ErrorIs(t, statErr, fs.ErrNotExist)
}

func TestWriteRawRefusesEmptyBlob(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	require.Error(t, WriteRaw(dir, nil, []byte{1}))
	require.Error(t, WriteRaw(dir, []byte{1}, nil))
}

func TestWriteRawAtomicPublish(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "partition_202508")
	meta, vecs := samplePair()

	metaRaw, err := EncodeMeta(codec.Default, meta)
	require.NoError(t, err)
	vecRaw, err := EncodeVectors(vecs)
	require.NoError(t, err)

	require.NoError(t, WriteRaw(dir, metaRaw, vecRaw))

	// No temp leftovers next to the published directory.
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "partition_202508", entries[0].Name())
}

func TestWriteRawExistingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partition_202508")
	meta, vecs := samplePair()
	require.NoError(t, Write(dir, codec.Default, meta, vecs))

	metaRaw, err := EncodeMeta(codec.Default, meta)
	require.NoError(t, err)
	vecRaw, err := EncodeVectors(vecs)
	require.NoError(t, err)

	// Callers must remove the prior copy first.
	require.Error(t, WriteRaw(dir, metaRaw, vecRaw))
}

func TestDecodeVectorsRejectsGarbage(t *testing.T) {
	_, err := DecodeVectors([]byte("not a vectors blob at all"))
	require.ErrorIs(t, err, ErrInconsistent)

	_, err = DecodeVectors(nil)
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestDecodeMetaRejectsGarbage(t *testing.T) {
	_, err := DecodeMeta(codec.Default, []byte("definitely not zstd"))
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestEncodeVectorsRaggedInput(t *testing.T) {
	_, err := EncodeVectors([][]float32{{1, 2}, {1, 2, 3}})
	require.Error(t, err)
}
