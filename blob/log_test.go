package blob

import (
	"os"
	"path/filepath"
	"testing"
)

func testBackend(t *testing.T, dataBlock, histBlock int64) (*Backend, Options) {
	t.Helper()

	dir, err := os.MkdirTemp("", "blobtest")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := Options{
		DataPath:         filepath.Join(dir, "data"),
		HistoryPath:      filepath.Join(dir, "history"),
		DataBlockSize:    dataBlock,
		HistoryBlockSize: histBlock,
	}
	b, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b, opts
}

func testID(b byte) ID {
	var id ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestAppendReadSingleRecord(t *testing.T) {
	b, _ := testBackend(t, 0, 0)

	id := testID(0x01)
	attr := IoAttr{ID: id, Origin: id, Size: 5}
	if err := b.WriteData(&attr, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	rattr := IoAttr{ID: id, Origin: id}
	dst := make([]byte, 64)
	n, err := b.Read(&rattr, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || string(dst[:n]) != "hello" {
		t.Errorf("got %d bytes %q, want 5 bytes %q", n, dst[:n], "hello")
	}
}

func TestAlignment(t *testing.T) {
	b, _ := testBackend(t, 64, 0)

	id := testID(0x02)
	attr := IoAttr{ID: id, Origin: id, Size: 10, Flags: IoNoHistoryUpdate}
	if err := b.WriteData(&attr, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}

	// header (80) + payload (10) pads to 128.
	if tail := b.Log().Tail(KindData); tail != 128 {
		t.Errorf("data tail = %d, want 128", tail)
	}

	// Every append lands on a block boundary.
	for i := 0; i < 5; i++ {
		attr := IoAttr{ID: testID(byte(10 + i)), Origin: testID(byte(10 + i)), Size: uint64(i * 33), Flags: IoNoHistoryUpdate}
		if err := b.WriteData(&attr, make([]byte, i*33)); err != nil {
			t.Fatal(err)
		}
		if tail := b.Log().Tail(KindData); tail%64 != 0 {
			t.Errorf("after append %d: tail %d not a multiple of 64", i, tail)
		}
	}
}

func TestTailMatchesIndex(t *testing.T) {
	b, _ := testBackend(t, 0, 0)

	for i := 0; i < 10; i++ {
		id := testID(byte(i + 1))
		attr := IoAttr{ID: id, Origin: id, Size: uint64(i * 7), Flags: IoNoHistoryUpdate}
		if err := b.WriteData(&attr, make([]byte, i*7)); err != nil {
			t.Fatal(err)
		}

		ctl, ok := b.Index().Lookup(MakeKey(id, KindData))
		if !ok {
			t.Fatalf("key %d missing from index", i)
		}
		if got, want := ctl.Offset+ctl.Size, b.Log().Tail(KindData); got != want {
			t.Errorf("append %d: offset+size = %d, tail = %d", i, got, want)
		}
	}
}

func TestTruncatedTail(t *testing.T) {
	b, opts := testBackend(t, 0, 0)

	for i := 0; i < 3; i++ {
		id := testID(byte(i + 1))
		attr := IoAttr{ID: id, Origin: id, Size: 100, Flags: IoNoHistoryUpdate}
		if err := b.WriteData(&attr, make([]byte, 100)); err != nil {
			t.Fatal(err)
		}
	}
	goodTail := b.Log().Tail(KindData)
	b.Close()

	// Chop the end off the last record, as a crash mid-write would.
	if err := os.Truncate(opts.DataPath, goodTail-50); err != nil {
		t.Fatal(err)
	}

	b2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()

	if tail := b2.Log().Tail(KindData); tail != goodTail-DiskControlSize-100 {
		t.Errorf("tail after truncation = %d, want %d", tail, goodTail-DiskControlSize-100)
	}
	if _, ok := b2.Index().Lookup(MakeKey(testID(3), KindData)); ok {
		t.Error("truncated record still indexed")
	}
	if _, ok := b2.Index().Lookup(MakeKey(testID(2), KindData)); !ok {
		t.Error("intact record lost from index")
	}
}
