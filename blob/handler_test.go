package blob

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func frame(attr IoAttr, payload []byte) []byte {
	buf := make([]byte, IoAttrSize+len(payload))
	attr.Encode(buf)
	copy(buf[IoAttrSize:], payload)
	return buf
}

func TestHandlerWriteRead(t *testing.T) {
	b, _ := testBackend(t, 0, 0)
	h := NewHandler(b, nil)
	ctx := context.Background()

	id := testID(0x21)
	attr := IoAttr{ID: id, Origin: id, Size: 5}
	if _, err := h.Handle(ctx, CmdWrite, frame(attr, []byte("wired")), nil); err != nil {
		t.Fatal(err)
	}

	// Buffered path.
	dst := make([]byte, 16)
	reply, err := h.Handle(ctx, CmdRead, frame(IoAttr{ID: id, Origin: id}, nil), dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(dst[:reply.N]) != "wired" {
		t.Errorf("buffered read = %q, want %q", dst[:reply.N], "wired")
	}

	// Zero-copy path.
	reply, err = h.Handle(ctx, CmdRead, frame(IoAttr{ID: id, Origin: id}, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Stream == nil {
		t.Fatal("no stream on zero-copy path")
	}
	got, err := io.ReadAll(reply.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "wired" {
		t.Errorf("streamed read = %q, want %q", got, "wired")
	}
}

func TestHandlerErrors(t *testing.T) {
	b, _ := testBackend(t, 0, 0)
	h := NewHandler(b, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		cmd   Command
		data  []byte
		want  error
		errno int
	}{
		{"unknown command", Command(99), frame(IoAttr{}, nil), ErrInvalid, -22},
		{"short attr", CmdWrite, []byte{1, 2, 3}, ErrInvalid, -22},
		{"list unsupported", CmdList, frame(IoAttr{}, nil), ErrUnsupported, -95},
		{"read missing", CmdRead, frame(IoAttr{Origin: testID(0x77)}, nil), ErrNotFound, -2},
		{"del missing", CmdDel, frame(IoAttr{Origin: testID(0x78)}, nil), ErrNotFound, -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Handle(ctx, tc.cmd, tc.data, make([]byte, 8))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if got := Errno(err); got != tc.errno {
				t.Errorf("errno = %d, want %d", got, tc.errno)
			}
		})
	}
}

func TestHandlerDelStat(t *testing.T) {
	b, _ := testBackend(t, 0, 0)
	h := NewHandler(b, nil)
	ctx := context.Background()

	id := testID(0x22)
	attr := IoAttr{ID: id, Origin: id, Size: 3}
	if _, err := h.Handle(ctx, CmdWrite, frame(attr, []byte("del")), nil); err != nil {
		t.Fatal(err)
	}

	reply, err := h.Handle(ctx, CmdStat, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Stat == nil || reply.Stat.Keys == 0 {
		t.Errorf("stat reply = %+v, want nonzero keys", reply.Stat)
	}

	if _, err := h.Handle(ctx, CmdDel, frame(IoAttr{Origin: id}, nil), nil); err != nil {
		t.Fatal(err)
	}
	_, err = h.Handle(ctx, CmdRead, frame(IoAttr{Origin: id}, nil), make([]byte, 8))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("read after DEL: %v, want ErrNotFound", err)
	}
}
