package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/scanner"
)

var ErrInvalidHeader = errors.New("invalid catalog file header")

const footerSize = 20

type CatalogReader struct {
	decoder *zstd.Decoder
	parsers fastjson.ParserPool
}

func NewCatalogReader() (*CatalogReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &CatalogReader{decoder: dec}, nil
}

// ReadSnapshot loads a snapshot written by CatalogWriter. Hours are
// returned in loc.
func (cr *CatalogReader) ReadSnapshot(filename string, loc *time.Location) (*scanner.Snapshot, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	// 1. Validate header and footer
	if len(data) < len(MagicHeader)+footerSize {
		return nil, errors.New("catalog file too small")
	}
	if !bytes.Equal(data[:len(MagicHeader)], MagicHeader) {
		return nil, ErrInvalidHeader
	}
	footer := data[len(data)-footerSize:]
	count := int(binary.LittleEndian.Uint32(footer[0:4]))

	r := bytes.NewReader(data[len(MagicHeader) : len(data)-footerSize])

	// 2. Metadata
	metaData, err := cr.readAndDecompress(r)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	snap, err := cr.decodeMeta(metaData)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	// 3. Columns
	var cols [6][]byte
	for i := range cols {
		if cols[i], err = cr.readAndDecompress(r); err != nil {
			return nil, fmt.Errorf("read column %d: %w", i, err)
		}
	}
	rels := bytesToStringSlice(cols[0])
	tags := bytesToStringSlice(cols[1])
	hours := bytesToInt64Slice(cols[2])
	sizes := bytesToInt64Slice(cols[3])
	mtimes := bytesToInt64Slice(cols[4])
	comps := cols[5]

	// Basic column length validation
	if len(rels) != count || len(tags) != count || len(hours) != count ||
		len(sizes) != count || len(mtimes) != count || len(comps) != count {
		return nil, errors.New("column length mismatch")
	}

	snap.Files = make([]model.LogFile, count)
	for i := 0; i < count; i++ {
		process, pid := scanner.SplitProcessTag(tags[i])
		snap.Files[i] = model.LogFile{
			Path:        filepath.Join(snap.Root, filepath.FromSlash(rels[i])),
			Rel:         rels[i],
			DateHour:    time.Unix(0, hours[i]).In(loc),
			ProcessTag:  tags[i],
			Process:     process,
			PID:         pid,
			Size:        sizes[i],
			ModTime:     time.Unix(0, mtimes[i]),
			Compression: model.Compression(comps[i]),
		}
	}
	return snap, nil
}

func (cr *CatalogReader) decodeMeta(data []byte) (*scanner.Snapshot, error) {
	p := cr.parsers.Get()
	defer cr.parsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, err
	}

	id, err := uuid.ParseBytes(v.GetStringBytes("id"))
	if err != nil {
		return nil, err
	}

	snap := &scanner.Snapshot{
		ID:        id,
		Root:      string(v.GetStringBytes("root")),
		ScannedAt: time.Unix(0, v.GetInt64("scanned_at")),
		Dirs:      make(map[string]time.Time),
	}

	dirsVal := v.Get("dirs")
	if dirsVal == nil {
		return nil, errors.New("missing dirs")
	}
	dirs, err := dirsVal.Object()
	if err != nil {
		return nil, err
	}
	dirs.Visit(func(key []byte, dv *fastjson.Value) {
		snap.Dirs[string(key)] = time.Unix(0, dv.GetInt64())
	})

	for _, ev := range v.GetArray("errors") {
		snap.Errors = append(snap.Errors, scanner.FileError{
			Path: string(ev.GetStringBytes("path")),
			Err:  errors.New(string(ev.GetStringBytes("error"))),
		})
	}
	return snap, nil
}

// readAndDecompress reads a compressed block (size + data) and decompresses it.
func (cr *CatalogReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}

	return cr.decoder.DecodeAll(compressed, nil)
}

// bytesToInt64Slice converts a byte slice to []int64 (LittleEndian).
func bytesToInt64Slice(data []byte) []int64 {
	count := len(data) / 8
	result := make([]int64, count)
	for i := 0; i < count; i++ {
		result[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return result
}

// bytesToStringSlice converts a byte slice to []string.
// Format: [Len uint32][Bytes]...
func bytesToStringSlice(data []byte) []string {
	result := []string{}
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		var length uint32
		if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
			break
		}
		strBytes := make([]byte, length)
		if _, err := io.ReadFull(buf, strBytes); err != nil {
			break
		}
		result = append(result, string(strBytes))
	}

	return result
}
