package blob

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

var zeroPad [4096]byte

// AppendLog owns the two append-only log files of a backend and
// their tail offsets. Appends to either log are serialized by a
// single mutex covering both tail advancement and the writes
// themselves, so concurrent appends never interleave bytes of one
// record with another. The tail is published only after the full
// record is on disk; on any error the tail is left untouched.
type AppendLog struct {
	mu    sync.Mutex
	files [2]*os.File
	tails [2]int64
	bsize [2]int64
	sync  bool
}

// OpenLog opens (creating if needed) the data and history files and
// positions both tails at the current end of file. Block sizes of
// zero disable padding for the corresponding log.
func OpenLog(dataPath, historyPath string, dataBlockSize, historyBlockSize int64, syncWrites bool) (*AppendLog, error) {
	l := &AppendLog{
		bsize: [2]int64{dataBlockSize, historyBlockSize},
		sync:  syncWrites,
	}
	for kind, path := range map[Kind]string{KindData: dataPath, KindHistory: historyPath} {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			l.Close()
			return nil, errors.Wrapf(err, "opening log file %s", path)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			l.Close()
			return nil, errors.Wrapf(err, "statting log file %s", path)
		}
		l.files[kind] = f
		l.tails[kind] = info.Size()
	}
	return l, nil
}

// Close closes both log files.
func (l *AppendLog) Close() error {
	var firstErr error
	for _, f := range l.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tail reports the current tail offset of the given log.
func (l *AppendLog) Tail(kind Kind) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tails[kind]
}

// SetTail positions the tail of the given log.
// Used once, after the startup scan.
func (l *AppendLog) SetTail(kind Kind, tail int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tails[kind] = tail
}

// BlockSize reports the configured block size of the given log.
func (l *AppendLog) BlockSize(kind Kind) int64 {
	return l.bsize[kind]
}

// File exposes the descriptor of the given log for positional reads.
func (l *AppendLog) File(kind Kind) *os.File {
	return l.files[kind]
}

// Append serializes dc, writes header then payload at the current
// tail, pads with zero bytes up to the next block-size multiple if
// one is configured, and publishes the new tail. It returns the
// record's offset and its total on-disk size including padding.
func (l *AppendLog) Append(kind Kind, dc DiskControl, payload []byte) (offset, size int64, err error) {
	var hdr [DiskControlSize]byte
	dc.Size = uint64(len(payload))
	dc.Encode(hdr[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.files[kind]
	offset = l.tails[kind]
	pos := offset

	if err = writeFull(f, hdr[:], pos); err != nil {
		return 0, 0, errors.Wrapf(err, "writing header at %d", pos)
	}
	pos += DiskControlSize

	if err = writeFull(f, payload, pos); err != nil {
		return 0, 0, errors.Wrapf(err, "writing %d payload bytes at %d", len(payload), pos)
	}
	pos += int64(len(payload))

	if bsize := l.bsize[kind]; bsize > 0 {
		if pad := bsize - (pos-offset)%bsize; pad < bsize {
			if err = zeroFill(f, pos, pad); err != nil {
				return 0, 0, errors.Wrapf(err, "padding %d bytes at %d", pad, pos)
			}
			pos += pad
		}
	}

	if l.sync {
		if err = f.Sync(); err != nil {
			return 0, 0, errors.Wrap(err, "syncing log")
		}
	}

	l.tails[kind] = pos
	return offset, pos - offset, nil
}

// ReadAt performs a positional read of len(buf) bytes.
// It does not touch the tail.
func (l *AppendLog) ReadAt(kind Kind, offset int64, buf []byte) error {
	_, err := l.files[kind].ReadAt(buf, offset)
	return errors.Wrapf(err, "reading %d bytes at %d", len(buf), offset)
}

// OverwriteHeader rewrites the header of an existing record in
// place. Used to flip the removed flag; it never resizes.
func (l *AppendLog) OverwriteHeader(kind Kind, offset int64, dc DiskControl) error {
	var hdr [DiskControlSize]byte
	dc.Encode(hdr[:])
	if err := writeFull(l.files[kind], hdr[:], offset); err != nil {
		return errors.Wrapf(err, "overwriting header at %d", offset)
	}
	if l.sync {
		return errors.Wrap(l.files[kind].Sync(), "syncing log")
	}
	return nil
}

// writeFull loops over partial writes until the whole buffer is
// persisted.
func writeFull(f *os.File, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := f.WriteAt(buf, offset)
		if err != nil {
			return err
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// zeroFill writes n zero bytes at offset.
func zeroFill(f *os.File, offset, n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(len(zeroPad)) {
			chunk = int64(len(zeroPad))
		}
		if err := writeFull(f, zeroPad[:chunk], offset); err != nil {
			return err
		}
		offset += chunk
		n -= chunk
	}
	return nil
}

// alignUp rounds size up to the next multiple of bsize.
// A bsize of zero leaves size unchanged.
func alignUp(size, bsize int64) int64 {
	if bsize <= 0 {
		return size
	}
	if rem := size % bsize; rem != 0 {
		size += bsize - rem
	}
	return size
}
