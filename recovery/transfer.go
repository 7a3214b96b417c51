package recovery

import (
	"context"

	"github.com/pkg/errors"

	"blobring/blob"
)

// transferFile replays a diff scratch file as bulk operations:
// batches of up to batch-size keys are bulk-read from src and
// bulk-written to dst. When del is set, successfully read keys are
// bulk-deleted from src after the write lands.
func (c *Context) transferFile(ctx context.Context, path string, src, dst Client, del bool) error {
	s, err := openRecordStream(path)
	if err != nil {
		return err
	}
	defer s.Close()

	batch := make([]blob.ID, 0, c.Cfg.BatchSize)
	for {
		rec, ok := s.Current()
		if !ok {
			break
		}
		batch = append(batch, rec.ID)
		if len(batch) == c.Cfg.BatchSize {
			if err := c.transferBatch(ctx, src, dst, batch, del); err != nil {
				return err
			}
			batch = batch[:0]
		}
		if err := s.Advance(); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		return c.transferBatch(ctx, src, dst, batch, del)
	}
	return nil
}

func (c *Context) transferBatch(ctx context.Context, src, dst Client, ids []blob.ID, del bool) error {
	objs, err := src.BulkRead(ctx, ids)
	if err != nil {
		return errors.Wrapf(err, "bulk read of %d keys from %s", len(ids), src.Addr())
	}
	if len(objs) < len(ids) {
		c.Monitor.AddFailed(int64(len(ids) - len(objs)))
	}
	if len(objs) == 0 {
		return nil
	}

	if err := dst.BulkWrite(ctx, objs); err != nil {
		return errors.Wrapf(err, "bulk write of %d keys to %s", len(objs), dst.Addr())
	}

	var bytes int64
	moved := make([]blob.ID, len(objs))
	for i, o := range objs {
		moved[i] = o.ID
		bytes += int64(len(o.Data))
	}
	c.Monitor.AddTransferred(int64(len(objs)))
	c.Monitor.AddTransferredBytes(bytes)

	if del {
		if err := src.BulkDelete(ctx, moved); err != nil {
			return errors.Wrapf(err, "bulk delete of %d keys from %s", len(moved), src.Addr())
		}
	}
	return nil
}
