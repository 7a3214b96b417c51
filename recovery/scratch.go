package recovery

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"blobring/blob"
	"blobring/ring"
)

// scratch record layout, little-endian:
// id[IDSize] | size u64 | timestamp u64 | flags u64
const scratchRecordSize = blob.IDSize + 24

func encodeScratchRecord(buf []byte, rec ring.IterRecord) {
	copy(buf[:blob.IDSize], rec.ID[:])
	binary.LittleEndian.PutUint64(buf[blob.IDSize:], rec.Size)
	binary.LittleEndian.PutUint64(buf[blob.IDSize+8:], rec.Timestamp)
	binary.LittleEndian.PutUint64(buf[blob.IDSize+16:], rec.Flags)
}

func decodeScratchRecord(buf []byte) ring.IterRecord {
	var rec ring.IterRecord
	copy(rec.ID[:], buf[:blob.IDSize])
	rec.Size = binary.LittleEndian.Uint64(buf[blob.IDSize:])
	rec.Timestamp = binary.LittleEndian.Uint64(buf[blob.IDSize+8:])
	rec.Flags = binary.LittleEndian.Uint64(buf[blob.IDSize+16:])
	return rec
}

// scratchWriter spools iterator records to an on-disk scratch file.
type scratchWriter struct {
	f *os.File
	w *bufio.Writer
	n int64
}

func createScratch(path string) (*scratchWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating scratch file %s", path)
	}
	return &scratchWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (w *scratchWriter) Write(rec ring.IterRecord) error {
	var buf [scratchRecordSize]byte
	encodeScratchRecord(buf[:], rec)
	if _, err := w.w.Write(buf[:]); err != nil {
		return errors.Wrapf(err, "writing scratch record %d", w.n)
	}
	w.n++
	return nil
}

func (w *scratchWriter) Count() int64 {
	return w.n
}

func (w *scratchWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "flushing scratch file")
	}
	return w.f.Close()
}

// recordStream reads a scratch file back, keeping one record of
// lookahead so diff loops can peek at the current element.
type recordStream struct {
	f   *os.File
	r   *bufio.Reader
	cur ring.IterRecord
	ok  bool
}

func openRecordStream(path string) (*recordStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening scratch file %s", path)
	}
	s := &recordStream{f: f, r: bufio.NewReader(f)}
	if err := s.Advance(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Current reports the record under the cursor, if any.
func (s *recordStream) Current() (ring.IterRecord, bool) {
	return s.cur, s.ok
}

// Advance moves the cursor to the next record; at end of stream
// Current starts reporting false.
func (s *recordStream) Advance() error {
	var buf [scratchRecordSize]byte
	_, err := io.ReadFull(s.r, buf[:])
	if err == io.EOF {
		s.ok = false
		return nil
	}
	if err != nil {
		s.ok = false
		return errors.Wrap(err, "reading scratch record")
	}
	s.cur = decodeScratchRecord(buf[:])
	s.ok = true
	return nil
}

func (s *recordStream) Close() error {
	return s.f.Close()
}

// iterateToScratch issues the iterator RPC and spools the stream to
// path, returning the record count.
func iterateToScratch(ctx context.Context, cl Client, req ring.IterRequest, path string) (int64, error) {
	w, err := createScratch(path)
	if err != nil {
		return 0, err
	}
	err = cl.Iterate(ctx, req, w.Write)
	n := w.Count()
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrapf(err, "iterating %s", cl.Addr())
	}
	return n, nil
}
