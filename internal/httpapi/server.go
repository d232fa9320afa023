// ABOUTME: Thin JSON HTTP surface over appstate/engine/group/store
// ABOUTME: No HTML rendering: every handler returns JSON, per the upload/play/status contract
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chorusmesh/harmonia/internal/appstate"
	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/store"
)

// maxUploadSize bounds a single /blocks/midi multipart upload.
const maxUploadSize = 32 << 20 // 32 MiB

// statusTickInterval is how often the link-status websocket pushes a fresh
// snapshot to a connected client.
const statusTickInterval = 100 * time.Millisecond

// Server is the HTTP surface wired against a State. It owns no subsystem
// state itself: every handler reads or mutates through State.
type Server struct {
	router *chi.Mux
	state  *appstate.State

	upgrader websocket.Upgrader
}

// New builds a Server with all routes mounted.
func New(state *appstate.State) *Server {
	s := &Server{
		router: chi.NewRouter(),
		state:  state,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // LAN-only, trusted network
		},
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Put("/blocks/midi", s.handleUploadMIDI)
	r.Put("/blocks/shared_memory", s.handleUploadSharedMemory)
	r.Delete("/blocks/{uuid}", s.handleDeleteBlock)
	r.Get("/blocks/{uuid}", s.handleGetBlock)
	r.Post("/blocks/play/{uuid}", s.handlePlayBlock)
	r.Post("/interrupt", s.handleInterrupt)
	r.With(loopbackOnly).Post("/abort", s.handleAbort)
	r.Get("/api/link-status-websocket", s.handleLinkStatusWebSocket)
}

// handleUploadMIDI handles PUT /blocks/midi: a multipart upload of a
// Standard MIDI File, optionally tagged with group/keybind fields. No order
// field is read; uploaded blocks have no display order.
func (s *Server) handleUploadMIDI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	if _, _, err := block.ParseSMF(data); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "not a playable SMF: "+err.Error())
		return
	}

	group := block.ValidateGroup(r.FormValue("group"))

	id := block.NewMIDIBlockID(data)
	b := block.Block{
		ID:      id,
		Group:   group,
		Keybind: r.FormValue("keybind"),
		Content: block.MIDISource{Bytes: data, FileName: header.Filename},
	}
	s.state.PutBlock(b)
	persistBlocks(s.state)

	writeJSON(w, http.StatusOK, blockView(b))
}

// handleUploadSharedMemory handles PUT /blocks/shared_memory: registers a
// block that publishes beat progress into a named shared-memory region
// instead of driving MIDI output.
func (s *Server) handleUploadSharedMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Group   string `json:"group"`
		Keybind string `json:"keybind"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	group := block.ValidateGroup(req.Group)

	id := block.NewSharedMemoryBlockID(req.Path)
	b := block.Block{
		ID:      id,
		Group:   group,
		Keybind: req.Keybind,
		Content: block.SharedMemorySource{Path: req.Path},
	}
	s.state.PutBlock(b)
	persistBlocks(s.state)

	writeJSON(w, http.StatusOK, blockView(b))
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	id := block.ID(chi.URLParam(r, "uuid"))
	s.state.DeleteBlock(id)
	persistBlocks(s.state)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id := block.ID(chi.URLParam(r, "uuid"))
	b, ok := s.state.Block(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown block")
		return
	}
	writeJSON(w, http.StatusOK, blockView(b))
}

func (s *Server) handlePlayBlock(w http.ResponseWriter, r *http.Request) {
	id := block.ID(chi.URLParam(r, "uuid"))
	if _, ok := s.state.Block(id); !ok {
		writeError(w, http.StatusNotFound, "unknown block")
		return
	}

	// nowPlaying is set by the playback loop itself once pre-roll begins
	// (and cleared on every exit path), not here: this handler only
	// enqueues the request.
	if err := s.state.Engine.Play(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.state.Engine.Interrupt()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.state.Abort()
	w.WriteHeader(http.StatusNoContent)
}

// handleLinkStatusWebSocket pushes a fresh status snapshot every
// statusTickInterval until the client disconnects, matching the teacher's
// own periodic-tick websocket loop.
func (s *Server) handleLinkStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(statusTickInterval)
	defer ticker.Stop()

	for range ticker.C {
		snap := s.state.Snapshot()
		conn.SetWriteDeadline(time.Now().Add(statusTickInterval))
		if err := conn.WriteJSON(statusView(snap)); err != nil {
			return
		}
	}
}

type blockResponse struct {
	ID      block.ID `json:"id"`
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Group   string   `json:"group"`
	Keybind string   `json:"keybind"`
	Order   *int     `json:"order,omitempty"`
}

func blockView(b block.Block) blockResponse {
	kind := "unknown"
	switch b.Content.(type) {
	case block.MIDISource:
		kind = "midi"
	case block.SharedMemorySource:
		kind = "shared_memory"
	}
	return blockResponse{
		ID:      b.ID,
		Kind:    kind,
		Name:    b.Content.Name(),
		Group:   b.Group,
		Keybind: b.Keybind,
		Order:   b.Order,
	}
}

type statusResponse struct {
	NowPlaying string   `json:"now_playing"`
	Done       int      `json:"progress_done"`
	Total      int      `json:"progress_total"`
	Nick       string   `json:"nick"`
	NumPeers   int      `json:"num_peers"`
	GroupID    string   `json:"group_id"`
	InGroup    bool     `json:"in_group"`
	Ports      []string `json:"ports"`
}

func statusView(snap appstate.Snapshot) statusResponse {
	return statusResponse{
		NowPlaying: snap.NowPlaying,
		Done:       snap.Progress.Done,
		Total:      snap.Progress.Total,
		Nick:       snap.Nick,
		NumPeers:   snap.NumPeers,
		GroupID:    snap.GroupID,
		InGroup:    snap.InGroup,
		Ports:      snap.Ports,
	}
}

// persistBlocks best-effort saves the blocks map after every mutation. A
// failure here is logged, not propagated: an unsaved cache entry never
// blocks an operator from playing what's already in memory.
func persistBlocks(state *appstate.State) {
	if err := store.SaveBlocks(state.Snapshot().Blocks); err != nil {
		log.Printf("httpapi: failed to persist blocks: %v", err)
	}
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackAddr(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "this endpoint only accepts loopback connections")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type jsonEnvelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(jsonEnvelope{Data: data}); err != nil {
		log.Printf("httpapi: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(jsonEnvelope{Error: msg}); err != nil {
		log.Printf("httpapi: failed to encode error response: %v", err)
	}
}

func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize))
	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}
	return ""
}
