package storage

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/techlog/internal/scanner"
)

// MagicHeader starts every catalog file.
var MagicHeader = []byte("TJCAT001")

// CatalogWriter serializes scan snapshots.
//
// Layout: header, a compressed JSON metadata block, one compressed block
// per file column, then a fixed footer (file count, min hour, max hour).
type CatalogWriter struct {
	encoder *zstd.Encoder
	arenas  fastjson.ArenaPool
}

func NewCatalogWriter() (*CatalogWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &CatalogWriter{encoder: enc}, nil
}

// WriteSnapshot writes snap to filename atomically.
func (cw *CatalogWriter) WriteSnapshot(filename string, snap *scanner.Snapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := cw.write(tmp, snap); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

func (cw *CatalogWriter) write(w io.Writer, snap *scanner.Snapshot) error {
	// 1. Header
	if _, err := w.Write(MagicHeader); err != nil {
		return err
	}

	// 2. Metadata
	if err := cw.compressAndWrite(w, cw.encodeMeta(snap)); err != nil {
		return err
	}

	// 3. Columns
	n := len(snap.Files)
	rels := make([]string, n)
	tags := make([]string, n)
	hours := make([]int64, n)
	sizes := make([]int64, n)
	mtimes := make([]int64, n)
	comps := make([]uint8, n)
	for i, f := range snap.Files {
		rels[i] = f.Rel
		tags[i] = f.ProcessTag
		hours[i] = f.DateHour.UnixNano()
		sizes[i] = f.Size
		mtimes[i] = f.ModTime.UnixNano()
		comps[i] = uint8(f.Compression)
	}

	if err := cw.writeStringCol(w, rels); err != nil {
		return err
	}
	if err := cw.writeStringCol(w, tags); err != nil {
		return err
	}
	if err := cw.writeInt64Col(w, hours); err != nil {
		return err
	}
	if err := cw.writeInt64Col(w, sizes); err != nil {
		return err
	}
	if err := cw.writeInt64Col(w, mtimes); err != nil {
		return err
	}
	if err := cw.compressAndWrite(w, comps); err != nil {
		return err
	}

	// 4. Footer
	var minHour, maxHour int64
	if n > 0 {
		minHour = hours[0]
		maxHour = hours[n-1]
	}
	return cw.writeFooter(w, uint32(n), minHour, maxHour)
}

func (cw *CatalogWriter) encodeMeta(snap *scanner.Snapshot) []byte {
	a := cw.arenas.Get()
	defer cw.arenas.Put(a)

	obj := a.NewObject()
	obj.Set("id", a.NewString(snap.ID.String()))
	obj.Set("root", a.NewString(snap.Root))
	obj.Set("scanned_at", a.NewNumberString(strconv.FormatInt(snap.ScannedAt.UnixNano(), 10)))

	dirs := a.NewObject()
	for rel, mtime := range snap.Dirs {
		dirs.Set(rel, a.NewNumberString(strconv.FormatInt(mtime.UnixNano(), 10)))
	}
	obj.Set("dirs", dirs)

	errs := a.NewArray()
	for i, fe := range snap.Errors {
		e := a.NewObject()
		e.Set("path", a.NewString(fe.Path))
		e.Set("error", a.NewString(fe.Err.Error()))
		errs.SetArrayItem(i, e)
	}
	obj.Set("errors", errs)

	return obj.MarshalTo(nil)
}

func (cw *CatalogWriter) writeInt64Col(w io.Writer, data []int64) error {
	buf := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return cw.compressAndWrite(w, buf.Bytes())
}

func (cw *CatalogWriter) writeStringCol(w io.Writer, data []string) error {
	buf := new(bytes.Buffer)
	// [Len uint32][Bytes]...
	for _, s := range data {
		binary.Write(buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	}
	return cw.compressAndWrite(w, buf.Bytes())
}

func (cw *CatalogWriter) compressAndWrite(w io.Writer, raw []byte) error {
	compressed := cw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))

	size := uint32(len(compressed))
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

func (cw *CatalogWriter) writeFooter(w io.Writer, count uint32, minHour, maxHour int64) error {
	// FileCount (4) + MinHour (8) + MaxHour (8)
	if err := binary.Write(w, binary.LittleEndian, count); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, minHour); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, maxHour)
}
