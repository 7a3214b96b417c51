// Package node exposes a storage backend to the ring over HTTP.
//
// The wire surface is the one the recovery engine consumes: a
// command endpoint dispatching to the backend's handler, an iterator
// endpoint streaming sorted key metadata for a range, bulk
// read/write/delete batches, and the node's route table.
package node

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"

	"github.com/pkg/errors"

	"blobring/blob"
	"blobring/cache"
	"blobring/ring"
)

// Server serves one node's storage over HTTP.
type Server struct {
	c      *cache.Cache
	h      *blob.Handler
	routes []ring.RouteEntry
}

// New produces a Server over c announcing the given route table.
func New(c *cache.Cache, routes []ring.RouteEntry) *Server {
	return &Server{
		c:      c,
		h:      blob.NewHandler(c.Backend(), nil),
		routes: routes,
	}
}

// Mux returns the request mux with all endpoints registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/iterate", s.handleIterate)
	mux.HandleFunc("/bulk_read", s.handleBulkRead)
	mux.HandleFunc("/bulk_write", s.handleBulkWrite)
	mux.HandleFunc("/bulk_delete", s.handleBulkDelete)
	mux.HandleFunc("/route", s.handleRoute)
	return mux
}

// CommandRequest frames one backend command.
type CommandRequest struct {
	Cmd      uint32 `json:"cmd"`
	Data     []byte `json:"data"` // encoded IoAttr followed by payload
	ReadSize int    `json:"read_size,omitempty"`
}

// CommandResponse carries the dispatch result. Status is zero on
// success, a negative errno-style code otherwise.
type CommandResponse struct {
	Status int         `json:"status"`
	Data   []byte      `json:"data,omitempty"`
	Stat   *blob.Stats `json:"stat,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var dst []byte
	if req.ReadSize > 0 {
		dst = make([]byte, req.ReadSize)
	}

	reply, err := s.h.Handle(r.Context(), blob.Command(req.Cmd), req.Data, dst)
	resp := CommandResponse{Status: blob.Errno(err)}
	if err != nil {
		log.Printf("node: %s failed: %s", blob.Command(req.Cmd), err)
		writeJSON(w, resp)
		return
	}

	switch {
	case reply.Stream != nil:
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, reply.Stream); err != nil {
			resp.Status = blob.Errno(err)
			writeJSON(w, resp)
			return
		}
		resp.Data = buf.Bytes()
	case dst != nil:
		resp.Data = dst[:reply.N]
	}
	resp.Stat = reply.Stat
	writeJSON(w, resp)
}

// handleIterate streams JSON-line IterRecords for keys in the
// requested range, sorted by id, filtered by the since timestamp.
func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	var req ring.IterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rng := ring.Range{Start: req.Start, End: req.End}
	b := s.c.Backend()

	entries := b.Index().Snapshot(blob.KindData)
	records := make([]ring.IterRecord, 0, len(entries))
	for _, e := range entries {
		id := e.Key.ID()
		if !rng.Contains(id) {
			continue
		}

		var hdr [blob.DiskControlSize]byte
		if err := b.Log().ReadAt(blob.KindData, e.Ctl.Offset, hdr[:]); err != nil {
			log.Printf("node: iterate: reading header for %s: %s", id, err)
			continue
		}
		var dc blob.DiskControl
		if err := dc.Decode(hdr[:]); err != nil {
			log.Printf("node: iterate: %s", err)
			continue
		}

		ts := b.LatestTimestamp(id)
		if req.Since > 0 && ts < req.Since {
			continue
		}
		records = append(records, ring.IterRecord{
			ID:        id,
			Size:      dc.Size,
			Timestamp: ts,
			Flags:     dc.Flags,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Less(records[j].ID) })

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return
		}
	}
}

// BulkReadRequest names the keys of a bulk read.
type BulkReadRequest struct {
	IDs []blob.ID `json:"ids"`
}

func (s *Server) handleBulkRead(w http.ResponseWriter, r *http.Request) {
	var req BulkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := make([]ring.Object, 0, len(req.IDs))
	for _, id := range req.IDs {
		obj, err := s.readObject(id)
		if err != nil {
			log.Printf("node: bulk read %s: %s", id, err)
			continue
		}
		out = append(out, obj)
	}
	writeJSON(w, out)
}

func (s *Server) readObject(id blob.ID) (ring.Object, error) {
	b := s.c.Backend()
	attr := blob.IoAttr{ID: id, Origin: id}
	sr, err := b.ReadStream(&attr)
	if err != nil {
		return ring.Object{}, err
	}
	data := make([]byte, sr.Size())
	if len(data) > 0 {
		if _, err := sr.ReadAt(data, 0); err != nil {
			return ring.Object{}, errors.Wrapf(err, "reading %s", id)
		}
	}
	return ring.Object{ID: id, Timestamp: b.LatestTimestamp(id), Data: data}, nil
}

// BulkWriteResponse lists the keys that failed.
type BulkWriteResponse struct {
	Failed []blob.ID `json:"failed,omitempty"`
}

func (s *Server) handleBulkWrite(w http.ResponseWriter, r *http.Request) {
	var objs []ring.Object
	if err := json.NewDecoder(r.Body).Decode(&objs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp BulkWriteResponse
	for _, obj := range objs {
		attr := blob.IoAttr{ID: obj.ID, Origin: obj.ID, Size: uint64(len(obj.Data))}
		if err := s.c.WriteAt(&attr, obj.Data, obj.Timestamp); err != nil {
			log.Printf("node: bulk write %s: %s", obj.ID, err)
			resp.Failed = append(resp.Failed, obj.ID)
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req BulkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp BulkWriteResponse
	for _, id := range req.IDs {
		if err := s.c.Delete(id); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Printf("node: bulk delete %s: %s", id, err)
			resp.Failed = append(resp.Failed, id)
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.routes)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("node: writing response: %s", err)
	}
}
