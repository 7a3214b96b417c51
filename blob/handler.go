package blob

import (
	"context"
	"io"
	"log"

	"github.com/pkg/errors"
)

// Command is a wire command code.
type Command uint32

const (
	CmdWrite Command = iota + 1
	CmdRead
	CmdList
	CmdStat
	CmdDel
)

func (c Command) String() string {
	switch c {
	case CmdWrite:
		return "WRITE"
	case CmdRead:
		return "READ"
	case CmdList:
		return "LIST"
	case CmdStat:
		return "STAT"
	case CmdDel:
		return "DEL"
	}
	return "UNKNOWN"
}

// StatFunc produces the reply for STAT commands.
type StatFunc func() Stats

// Reply is the result of a dispatched command.
type Reply struct {
	Attr IoAttr

	// N is the number of bytes copied into the caller's buffer on
	// the buffered READ path.
	N int

	// Stream is set on the zero-copy READ path: the transport
	// streams record bytes straight from the backing descriptor.
	Stream *io.SectionReader

	// Stat is set for STAT commands.
	Stat *Stats
}

// Handler dispatches wire commands to a backend. All failures are
// caught at this boundary; Errno translates them to the negative
// status code the transport returns.
type Handler struct {
	b    *Backend
	stat StatFunc
}

// NewHandler produces a Handler for b. A nil stat function delegates
// to the backend's own Stat.
func NewHandler(b *Backend, stat StatFunc) *Handler {
	if stat == nil {
		stat = b.Stat
	}
	return &Handler{b: b, stat: stat}
}

// Handle dispatches one command. data carries the encoded IoAttr
// followed by the payload for commands that have one. For READ, a
// non-nil dst selects the buffered path; otherwise the reply carries
// a section reader for streaming.
func (h *Handler) Handle(_ context.Context, cmd Command, data, dst []byte) (*Reply, error) {
	switch cmd {
	case CmdWrite:
		return h.write(data)
	case CmdRead:
		return h.read(data, dst)
	case CmdDel:
		return h.del(data)
	case CmdStat:
		s := h.stat()
		return &Reply{Stat: &s}, nil
	case CmdList:
		return nil, errors.Wrap(ErrUnsupported, "LIST")
	default:
		return nil, errors.Wrapf(ErrInvalid, "unknown command %d", cmd)
	}
}

func parseAttr(data []byte) (*IoAttr, []byte, error) {
	var attr IoAttr
	if err := attr.Decode(data); err != nil {
		return nil, nil, err
	}
	return &attr, data[IoAttrSize:], nil
}

func (h *Handler) write(data []byte) (*Reply, error) {
	attr, payload, err := parseAttr(data)
	if err != nil {
		return nil, err
	}

	if attr.Flags&IoHistory != 0 {
		err = h.b.WriteHistory(attr, payload)
	} else {
		err = h.b.WriteData(attr, payload)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("blob: %s: IO offset: %d, size: %d", attr.Origin, attr.Offset, attr.Size)
	return &Reply{Attr: *attr}, nil
}

func (h *Handler) read(data, dst []byte) (*Reply, error) {
	attr, _, err := parseAttr(data)
	if err != nil {
		return nil, err
	}

	if dst != nil {
		n, err := h.b.Read(attr, dst)
		if err != nil {
			return nil, err
		}
		reply := &Reply{Attr: *attr, N: n}
		reply.Attr.Size = uint64(n)
		return reply, nil
	}

	sr, err := h.b.ReadStream(attr)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Attr: *attr, Stream: sr}
	reply.Attr.Size = uint64(sr.Size())
	return reply, nil
}

func (h *Handler) del(data []byte) (*Reply, error) {
	attr, _, err := parseAttr(data)
	if err != nil {
		return nil, err
	}
	if err := h.b.Delete(attr.Origin); err != nil {
		return nil, err
	}
	return &Reply{Attr: *attr}, nil
}
