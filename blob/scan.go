package blob

import (
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
)

// scanLog iterates a log file sequentially from offset zero, calling
// fn for every live record. Records whose removed flag is set are
// skipped. A header or payload extending past the end of the file
// means a truncated tail: the scan stops there and the returned tail
// excludes the partial record.
func scanLog(f *os.File, bsize int64, fn func(dc DiskControl, offset, onDiskSize int64) error) (tail int64, err error) {
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "statting log")
	}
	fileSize := info.Size()

	var (
		hdr [DiskControlSize]byte
		pos int64
	)
	for pos+DiskControlSize <= fileSize {
		if _, err := f.ReadAt(hdr[:], pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, errors.Wrapf(err, "reading header at %d", pos)
		}

		var dc DiskControl
		if err := dc.Decode(hdr[:]); err != nil {
			return 0, err
		}

		onDisk := alignUp(DiskControlSize+int64(dc.Size), bsize)
		if pos+onDisk > fileSize {
			log.Printf("blob: truncated record at %d (size %d, file %d), stopping scan", pos, dc.Size, fileSize)
			break
		}

		if dc.Flags&FlagRemoved == 0 {
			if err := fn(dc, pos, onDisk); err != nil {
				return 0, err
			}
		}
		pos += onDisk
	}
	return pos, nil
}

// rebuild scans both logs and repopulates the index. Later records
// with the same key supersede earlier ones, which is how a history
// chain is reconstructed after a crash.
func (b *Backend) rebuild() error {
	for _, kind := range []Kind{KindData, KindHistory} {
		kind := kind
		tail, err := scanLog(b.log.File(kind), b.log.BlockSize(kind), func(dc DiskControl, offset, onDiskSize int64) error {
			b.index.Replace(MakeKey(dc.ID, kind), RamControl{Offset: offset, Size: onDiskSize})
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "scanning log %d", kind)
		}
		b.log.SetTail(kind, tail)
	}
	return nil
}
