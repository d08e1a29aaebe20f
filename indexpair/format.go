package indexpair

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/factseeker/evidencecache/codec"
	"github.com/klauspost/compress/zstd"
)

const (
	// MetaFile is the name of the metadata blob of a pair.
	MetaFile = "meta"
	// VectorsFile is the name of the vector blob of a pair.
	VectorsFile = "vectors"

	vectorsMagic   = uint32(0x45564356) // "EVCV"
	vectorsVersion = uint16(1)

	// header: magic(4) version(2) dim(4) count(4), footer: crc32(4)
	vectorsHeaderSize = 14
	vectorsFooterSize = 4
)

// Entry is one row of an index. Title-index partitions carry {URL, Title};
// article sub-caches carry one {URL, Text} entry per chunk. Row i of the
// vectors blob is the embedding of entry i.
type Entry struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Meta is the decoded content of a pair's metadata blob.
type Meta struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// EncodeMeta serializes and zstd-compresses metadata.
func EncodeMeta(c codec.Codec, m Meta) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	raw, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("indexpair: encode meta: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("indexpair: zstd writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("indexpair: compress meta: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("indexpair: compress meta: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMeta decompresses and deserializes metadata.
func DecodeMeta(c codec.Codec, data []byte) (Meta, error) {
	if c == nil {
		c = codec.Default
	}
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrInconsistent, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrInconsistent, err)
	}

	var m Meta
	if err := c.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrInconsistent, err)
	}
	return m, nil
}

// EncodeVectors serializes an embedding matrix to the binary vectors format:
// little-endian header, packed float32 rows, CRC32 footer.
func EncodeVectors(vecs [][]float32) ([]byte, error) {
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("indexpair: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	buf := make([]byte, vectorsHeaderSize+len(vecs)*dim*4+vectorsFooterSize)
	binary.LittleEndian.PutUint32(buf[0:], vectorsMagic)
	binary.LittleEndian.PutUint16(buf[4:], vectorsVersion)
	binary.LittleEndian.PutUint32(buf[6:], uint32(dim))
	binary.LittleEndian.PutUint32(buf[10:], uint32(len(vecs)))

	off := vectorsHeaderSize
	for _, v := range vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
	}

	sum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], sum)
	return buf, nil
}

// DecodeVectors parses and verifies the binary vectors format.
func DecodeVectors(data []byte) ([][]float32, error) {
	if len(data) < vectorsHeaderSize+vectorsFooterSize {
		return nil, fmt.Errorf("%w: vectors: truncated", ErrInconsistent)
	}
	if binary.LittleEndian.Uint32(data[0:]) != vectorsMagic {
		return nil, fmt.Errorf("%w: vectors: bad magic", ErrInconsistent)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != vectorsVersion {
		return nil, fmt.Errorf("%w: vectors: unsupported version %d", ErrInconsistent, v)
	}
	dim := int(binary.LittleEndian.Uint32(data[6:]))
	count := int(binary.LittleEndian.Uint32(data[10:]))

	want := vectorsHeaderSize + count*dim*4 + vectorsFooterSize
	if len(data) != want {
		return nil, fmt.Errorf("%w: vectors: size %d, want %d", ErrInconsistent, len(data), want)
	}

	body := data[:len(data)-vectorsFooterSize]
	sum := binary.LittleEndian.Uint32(data[len(data)-vectorsFooterSize:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: vectors: checksum mismatch", ErrInconsistent)
	}

	vecs := make([][]float32, count)
	off := vectorsHeaderSize
	for i := range vecs {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vecs[i] = row
	}
	return vecs, nil
}
