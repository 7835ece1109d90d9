// Package api implements the HTTP surface consumed by the UI collaborator
// (spec.md §6): drives/ports/images listing, batch submission and control,
// job inspection/cancel/retry, cell eject, and the SSE event stream.
//
// Layout persistence (GET/PUT /api/layout, import/export) is an explicit
// external collaborator per spec.md §1/§6 and is not implemented here —
// see DESIGN.md.
//
// The method-switch-over-parsed-path dispatch and jsoniter response
// encoding are grounded on the teacher pack's ais/prxs3.go, generalized
// from aistore's S3-compatibility surface to this orchestrator's much
// smaller, purpose-built JSON API.
package api

import (
	"context"
	stdjson "encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
	"github.com/flashgrid/flashd/internal/eventbus"
	"github.com/flashgrid/flashd/internal/image"
	"github.com/flashgrid/flashd/internal/inventory"
	"github.com/flashgrid/flashd/internal/job"
	"github.com/flashgrid/flashd/internal/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server holds the process-wide singletons the HTTP handlers delegate to.
// One Server is built at startup (cmd/flashd/main.go) and never replaced.
type Server struct {
	inv      *inventory.Inventory
	images   *image.Resolver
	sched    *scheduler.Scheduler
	bus      *eventbus.Bus
	epochSeq int64 // monotonic counter standing in for a wall-clock creation_epoch
}

func New(inv *inventory.Inventory, images *image.Resolver, sched *scheduler.Scheduler, bus *eventbus.Bus) *Server {
	return &Server{inv: inv, images: images, sched: sched, bus: bus}
}

// Handler builds the routed mux. Uses the stdlib's Go 1.22 method+pattern
// ServeMux — the teacher's own HTTP routing predates that, but there is
// no third-party router anywhere in the retrieved pack to reach for
// instead, so the newer stdlib mux is the pack-consistent choice (see
// DESIGN.md's stdlib exceptions).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/drives", s.handleListDrives)
	mux.HandleFunc("GET /api/ports", s.handleListPorts)
	mux.HandleFunc("GET /api/ports/physical", s.handleListPortsPhysical)
	mux.HandleFunc("GET /api/images", s.handleListImages)

	mux.HandleFunc("POST /api/batch/start", s.handleBatchStart)
	mux.HandleFunc("POST /api/batch/cancel", s.handleBatchCancel)
	mux.HandleFunc("POST /api/batch/retry", s.handleBatchRetry)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)

	mux.HandleFunc("POST /api/cells/{id}/eject", s.handleEjectCell)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// errBody is the §6 error envelope: `{detail, kind?}`.
type errBody struct {
	Detail string        `json:"detail"`
	Kind   cmn.ErrorKind `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		nlog.Errorf("api: encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind := cmn.KindOf(err)
	writeJSON(w, cmn.HTTPStatus(kind), errBody{Detail: err.Error(), Kind: kind})
}

func (s *Server) handleListDrives(w http.ResponseWriter, r *http.Request) {
	onlyRemovable := false
	if v := r.URL.Query().Get("removable"); v != "" {
		onlyRemovable, _ = strconv.ParseBool(v)
	}
	drives, err := s.inv.ListDrives(onlyRemovable)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drives)
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.inv.ListPorts()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// portWithDrive is spec.md §6's "enriched physical ports with attached
// drive info" response shape for GET /api/ports/physical.
type portWithDrive struct {
	inventory.Port
	Drive *inventory.Drive `json:"drive,omitempty"`
}

func (s *Server) handleListPortsPhysical(w http.ResponseWriter, r *http.Request) {
	ports, err := s.inv.ListPorts()
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]portWithDrive, 0, len(ports))
	for _, p := range ports {
		enriched := portWithDrive{Port: p}
		if p.DevicePath != "" {
			if d, err := s.inv.Describe(p.DevicePath); err == nil {
				enriched.Drive = d
			}
		}
		out = append(out, enriched)
	}
	writeJSON(w, http.StatusOK, out)
}

// imageListing is spec.md §6's `[Image]` with `name`, `size_human`.
type imageListing struct {
	Name       string `json:"name"`
	SizeBytes  *int64 `json:"size_bytes,omitempty"`
	SizeHuman  string `json:"size_human,omitempty"`
	Compressed bool   `json:"compressed"`
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	entries, err := s.images.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]imageListing, 0, len(entries))
	for _, d := range entries {
		il := imageListing{Name: d.Name, Compressed: d.Compressed}
		if d.UncompressedBytes != nil {
			il.SizeBytes = d.UncompressedBytes
			il.SizeHuman = humanBytes(*d.UncompressedBytes)
		}
		out = append(out, il)
	}
	writeJSON(w, http.StatusOK, out)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + " " + string(units[exp]) + "iB"
}

// batchStartReq is spec.md §6's POST /api/batch/start request body.
type batchStartReq struct {
	ImageName   string      `json:"image_name"`
	CellIDs     []string    `json:"cell_ids"`
	Concurrency int         `json:"concurrency"`
	Options     job.Options `json:"options"`
}

// batchStartKeys and optionKeys are the enumerated sets spec.md §9 allows
// at the top level and inside "options" respectively; anything else must
// be rejected rather than silently dropped.
var batchStartKeys = map[string]bool{
	"image_name": true, "cell_ids": true, "concurrency": true, "options": true,
}

var optionKeys = map[string]bool{
	"verify": true, "expand_partition": true, "resize_filesystem": true,
	"eject_after_done": true, "allow_non_removable": true,
}

// decodeBatchStartReq rejects any top-level or options key outside the
// enumerated sets (spec.md §9: "Unknown keys must be rejected at the HTTP
// boundary") before decoding into the typed request.
func decodeBatchStartReq(r *http.Request) (batchStartReq, error) {
	var req batchStartReq
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "reading request body")
	}

	var top map[string]stdjson.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "malformed request body")
	}
	for k := range top {
		if !batchStartKeys[k] {
			return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "unknown field: "+k)
		}
	}
	if raw, ok := top["options"]; ok {
		var opts map[string]stdjson.RawMessage
		if err := json.Unmarshal(raw, &opts); err != nil {
			return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "malformed options")
		}
		for k := range opts {
			if !optionKeys[k] {
				return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "unknown option key: "+k)
			}
		}
	}

	if err := json.Unmarshal(body, &req); err != nil {
		return req, cmn.NewError("api.batch_start", cmn.ErrInternal, "malformed request body")
	}
	return req, nil
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBatchStartReq(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(req.CellIDs) == 0 {
		writeJSON(w, http.StatusOK, []job.Snapshot{})
		return
	}

	devicePaths := make([]string, 0, len(req.CellIDs))
	for _, cellID := range req.CellIDs {
		port, err := s.resolveCellDevice(cellID)
		if err != nil {
			writeErr(w, err)
			return
		}
		devicePaths = append(devicePaths, port)
	}

	if req.Concurrency > 0 {
		s.sched.SetConcurrency(req.Concurrency)
	}

	batchID := "batch-" + strconv.FormatInt(s.nextEpoch(), 10)
	b, err := s.sched.SubmitBatch(batchID, req.CellIDs, devicePaths, req.ImageName, req.Options, s.nextEpoch())
	if err != nil {
		writeErr(w, err)
		return
	}
	snaps := make([]job.Snapshot, 0, len(b.Jobs))
	for _, j := range b.Jobs {
		snaps = append(snaps, j.Snap())
	}
	writeJSON(w, http.StatusOK, snaps)
}

// resolveCellDevice stands in for the external layout collaborator's
// cell -> device_path mapping (spec.md §1: layout persistence is out of
// scope for this core). It accepts the device path directly when the
// caller passes one that already looks like a device node, which is the
// pragmatic seam until a real layout store is wired in.
func (s *Server) resolveCellDevice(cellID string) (string, error) {
	if len(cellID) > 5 && cellID[:5] == "/dev/" {
		return cellID, nil
	}
	return "", cmn.NewError("api.resolve_cell", cmn.ErrImageNotFound, "unknown cell: "+cellID)
}

func (s *Server) nextEpoch() int64 {
	s.epochSeq++
	return s.epochSeq
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	s.sched.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		batchID = s.sched.LastBatchID()
	}
	jobs, err := s.sched.RetryFailed(batchID)
	if err != nil {
		writeErr(w, err)
		return
	}
	snaps := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snap())
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.ListJobs()
	snaps := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snap())
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := s.sched.Job(id)
	if !ok {
		writeErr(w, cmn.NewError("api.get_job", cmn.ErrImageNotFound, "no such job: "+id))
		return
	}
	writeJSON(w, http.StatusOK, j.SnapWithLog())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sched.CancelJob(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := s.sched.Job(id)
	if !ok {
		writeErr(w, cmn.NewError("api.retry_job", cmn.ErrImageNotFound, "no such job: "+id))
		return
	}
	if j.State() != job.StateFailed && j.State() != job.StateCancelled {
		writeErr(w, cmn.NewError("api.retry_job", cmn.ErrDeviceStateChanged, "job is not in a retryable terminal state"))
		return
	}
	nj := j.Retry()
	writeJSON(w, http.StatusOK, nj.Snap())
}

func (s *Server) handleEjectCell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevicePath string `json:"device_path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	devicePath := req.DevicePath
	if devicePath == "" {
		devicePath = r.PathValue("id")
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := s.sched.EjectDevice(ctx, devicePath); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, cmn.NewError("api.events", cmn.ErrInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
			for _, ev := range sub.Drain() {
				writeSSE(w, ev)
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		nlog.Errorf("api: marshal sse event: %v", err)
		return
	}
	_, _ = w.Write([]byte("event: " + string(ev.Type) + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
