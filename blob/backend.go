package blob

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MetaFunc transforms a key's history blob on update. It receives
// the request attributes, the prior blob (header already stripped;
// empty for a fresh chain), and the incoming payload, and returns
// the blob to append in its place.
type MetaFunc func(attr *IoAttr, old, update []byte) ([]byte, error)

// appendMeta is the default MetaFunc: append-flagged updates extend
// the chain, anything else replaces it.
func appendMeta(attr *IoAttr, old, update []byte) ([]byte, error) {
	if attr.Flags&IoAppend != 0 {
		out := make([]byte, 0, len(old)+len(update))
		out = append(out, old...)
		return append(out, update...), nil
	}
	out := make([]byte, len(update))
	copy(out, update)
	return out, nil
}

// Options configures a Backend.
type Options struct {
	DataPath         string
	HistoryPath      string
	DataBlockSize    int64
	HistoryBlockSize int64
	IndexShards      int
	SyncWrites       bool

	// ProcessMeta transforms history blobs on update.
	// Nil selects the append-or-replace default.
	ProcessMeta MetaFunc
}

// Backend is an append-only blob storage backend: two log files, an
// in-memory index, and a mutex serializing mutations across both.
type Backend struct {
	mu    sync.Mutex // serializes append + index update pairs
	log   *AppendLog
	index *Index
	meta  MetaFunc
}

// Stats is the backend summary returned for STAT commands.
type Stats struct {
	DataTail    int64 `json:"data_tail"`
	HistoryTail int64 `json:"history_tail"`
	Keys        int   `json:"keys"`
}

// Open opens the log files named by opts, rebuilds the index by
// scanning them, and returns a ready Backend.
func Open(opts Options) (*Backend, error) {
	if opts.DataPath == "" || opts.HistoryPath == "" {
		return nil, errors.Wrap(ErrInvalid, "no data/history file configured")
	}
	l, err := OpenLog(opts.DataPath, opts.HistoryPath, opts.DataBlockSize, opts.HistoryBlockSize, opts.SyncWrites)
	if err != nil {
		return nil, err
	}
	meta := opts.ProcessMeta
	if meta == nil {
		meta = appendMeta
	}
	b := &Backend{
		log:   l,
		index: NewIndex(opts.IndexShards),
		meta:  meta,
	}
	if err := b.rebuild(); err != nil {
		l.Close()
		return nil, err
	}
	log.Printf("blob: opened %s + %s, %d keys, data tail %d, history tail %d",
		opts.DataPath, opts.HistoryPath, b.index.Len(), l.Tail(KindData), l.Tail(KindHistory))
	return b, nil
}

// Close releases the log files. The index dies with the process.
func (b *Backend) Close() error {
	return b.log.Close()
}

// Log exposes the backend's append log.
func (b *Backend) Log() *AppendLog {
	return b.log
}

// Index exposes the backend's in-memory index.
func (b *Backend) Index() *Index {
	return b.index
}

// Stat summarizes the backend state.
func (b *Backend) Stat() Stats {
	return Stats{
		DataTail:    b.log.Tail(KindData),
		HistoryTail: b.log.Tail(KindHistory),
		Keys:        b.index.Len(),
	}
}

// writeRaw appends one record under the backend mutex and points the
// index at it. The request's logical offset does not affect
// placement: writes are always appends.
func (b *Backend) writeRaw(kind Kind, attr *IoAttr, payload []byte) (offset, onDiskSize int64, err error) {
	dc := DiskControl{ID: attr.Origin}

	b.mu.Lock()
	defer b.mu.Unlock()

	offset, onDiskSize, err = b.log.Append(kind, dc, payload)
	if err != nil {
		return 0, 0, err
	}
	b.index.Replace(MakeKey(attr.Origin, kind), RamControl{Offset: offset, Size: onDiskSize})
	return offset, onDiskSize, nil
}

// WriteData appends payload as the new data record for attr.Origin
// and, unless suppressed by the no-history-update flag, records the
// write in the key's history chain.
func (b *Backend) WriteData(attr *IoAttr, payload []byte) error {
	return b.WriteDataAt(attr, payload, uint64(time.Now().Unix()))
}

// WriteDataAt is WriteData with a caller-supplied timestamp for the
// history entry. Recovery transfers use it to preserve the origin
// replica's timestamps.
func (b *Backend) WriteDataAt(attr *IoAttr, payload []byte, ts uint64) error {
	if _, _, err := b.writeRaw(KindData, attr, payload); err != nil {
		return err
	}

	if attr.Flags&IoNoHistoryUpdate != 0 {
		return nil
	}

	e := HistoryEntry{
		ID:        attr.ID,
		Flags:     attr.Flags,
		Timestamp: ts,
		Offset:    attr.Offset,
		Size:      attr.Size,
	}
	var buf [HistoryEntrySize]byte
	e.Encode(buf[:])

	hattr := *attr
	hattr.Flags |= IoAppend | IoHistory
	hattr.Flags &^= IoMeta
	hattr.Offset = 0
	hattr.Size = HistoryEntrySize
	return b.WriteHistory(&hattr, buf[:])
}

// WriteHistory updates the history chain for attr.Origin: the prior
// blob, if any, is read back, its on-disk header marked removed in
// place, and the meta hook combines it with the update before the
// result is appended as a fresh record and the index repointed.
func (b *Backend) WriteHistory(attr *IoAttr, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := MakeKey(attr.Origin, KindHistory)

	var old []byte
	if ctl, ok := b.index.Lookup(key); ok {
		buf := make([]byte, ctl.Size)
		if err := b.log.ReadAt(KindHistory, ctl.Offset, buf); err != nil {
			return errors.Wrapf(err, "reading prior history for %s", attr.Origin)
		}
		var dc DiskControl
		if err := dc.Decode(buf); err != nil {
			return err
		}
		dc.Flags |= FlagRemoved
		if err := b.log.OverwriteHeader(KindHistory, ctl.Offset, dc); err != nil {
			return errors.Wrapf(err, "marking prior history removed for %s", attr.Origin)
		}
		old = buf[DiskControlSize : DiskControlSize+int64(dc.Size)]
	}

	blob, err := b.meta(attr, old, payload)
	if err != nil {
		return errors.Wrapf(err, "processing history meta for %s", attr.Origin)
	}

	dc := DiskControl{ID: attr.Origin}
	offset, onDiskSize, err := b.log.Append(KindHistory, dc, blob)
	if err != nil {
		return err
	}
	b.index.Replace(key, RamControl{Offset: offset, Size: onDiskSize})
	return nil
}

// locate resolves attr to a read window: the containing file kind,
// the absolute file offset of the first requested byte, and the byte
// count. A zero attr.Size means the whole record minus the header.
func (b *Backend) locate(attr *IoAttr) (Kind, int64, int64, error) {
	kind := KindData
	if attr.Flags&IoHistory != 0 {
		kind = KindHistory
	}

	ctl, ok := b.index.Lookup(MakeKey(attr.Origin, kind))
	if !ok {
		return kind, 0, 0, errors.Wrapf(ErrNotFound, "key %s", attr.Origin)
	}

	avail := ctl.Size - DiskControlSize
	want := int64(attr.Size)
	if want == 0 {
		want = avail - int64(attr.Offset)
	}
	if int64(attr.Offset)+want > avail || want < 0 {
		return kind, 0, 0, errors.Wrapf(ErrInvalid, "read window %d+%d exceeds record size %d", attr.Offset, attr.Size, avail)
	}
	return kind, ctl.Offset + DiskControlSize + int64(attr.Offset), want, nil
}

// Read copies up to min(requested, available, len(dst)) record bytes
// into dst and reports the count.
func (b *Backend) Read(attr *IoAttr, dst []byte) (int, error) {
	kind, offset, want, err := b.locate(attr)
	if err != nil {
		return 0, err
	}
	if want > int64(len(dst)) {
		want = int64(len(dst))
	}
	if err := b.log.ReadAt(kind, offset, dst[:want]); err != nil {
		return 0, err
	}
	return int(want), nil
}

// ReadStream resolves attr to a section of the backing file, letting
// the transport stream record bytes without an intermediate copy.
func (b *Backend) ReadStream(attr *IoAttr) (*io.SectionReader, error) {
	kind, offset, want, err := b.locate(attr)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(b.log.File(kind), offset, want), nil
}

// Delete removes id from the index and tombstones its on-disk
// records so a later rebuild agrees with the live index. Both the
// data record and the history chain are marked.
func (b *Backend) Delete(id ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found bool
	for _, kind := range []Kind{KindData, KindHistory} {
		key := MakeKey(id, kind)
		ctl, ok := b.index.Lookup(key)
		if !ok {
			continue
		}
		var hdr [DiskControlSize]byte
		if err := b.log.ReadAt(kind, ctl.Offset, hdr[:]); err != nil {
			return errors.Wrapf(err, "reading header for %s", id)
		}
		var dc DiskControl
		if err := dc.Decode(hdr[:]); err != nil {
			return err
		}
		dc.Flags |= FlagRemoved
		if err := b.log.OverwriteHeader(kind, ctl.Offset, dc); err != nil {
			return errors.Wrapf(err, "tombstoning %s", id)
		}
		b.index.Erase(key)
		found = true
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "key %s", id)
	}
	return nil
}

// History reads and decodes id's history chain.
// An empty chain is not an error for keys that exist.
func (b *Backend) History(id ID) ([]HistoryEntry, error) {
	attr := IoAttr{ID: id, Origin: id, Flags: IoHistory}
	kind, offset, want, err := b.locate(&attr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, want)
	if err := b.log.ReadAt(kind, offset, buf); err != nil {
		return nil, err
	}

	n := len(buf) / HistoryEntrySize
	entries := make([]HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		var e HistoryEntry
		if err := e.Decode(buf[i*HistoryEntrySize:]); err != nil {
			return nil, err
		}
		// Padding shows up as zero-id records when the history log is
		// block-aligned; the chain ends at the first one.
		if e.ID.IsZero() && e.Timestamp == 0 {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// LatestTimestamp reports the newest history timestamp for id, or
// zero when the key has no history chain.
func (b *Backend) LatestTimestamp(id ID) uint64 {
	entries, err := b.History(id)
	if err != nil || len(entries) == 0 {
		return 0
	}
	var max uint64
	for _, e := range entries {
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	return max
}
