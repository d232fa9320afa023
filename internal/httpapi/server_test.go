// ABOUTME: Tests for the JSON HTTP surface: block CRUD, play/interrupt, and loopback gating
package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/chorusmesh/harmonia/internal/appstate"
	"github.com/chorusmesh/harmonia/internal/block"
	"github.com/chorusmesh/harmonia/internal/engine"
	"github.com/chorusmesh/harmonia/internal/playback"
)

// minimalSMFBytes is a hand-built single-track Standard MIDI File: one note
// on, one note off 96 ticks later, end of track. Built as a byte literal
// instead of through the smf package's own writer so this test has no
// dependency on that package's builder API surface.
var minimalSMFBytes = []byte{
	'M', 'T', 'h', 'd', 0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x01, 0x03, 0xC0,
	'M', 'T', 'r', 'k', 0x00, 0x00, 0x00, 0x0C,
	0x00, 0x90, 0x3C, 0x64, // delta 0, note-on ch0 key60 vel100
	0x60, 0x80, 0x3C, 0x40, // delta 96, note-off ch0 key60 vel64
	0x00, 0xFF, 0x2F, 0x00, // delta 0, end of track
}

func withTempCacheDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)
	t.Setenv("HOME", dir)
}

func newTestServer(t *testing.T) (*Server, *appstate.State) {
	t.Helper()
	withTempCacheDir(t)

	eng := engine.New(
		func(id block.ID) (block.Block, bool) { return block.Block{}, false },
		func(b block.Block, interrupt *playback.Interrupt) error { return nil },
	)
	t.Cleanup(eng.Quit)

	state := appstate.New(nil, eng, nil)
	return New(state), state
}

func TestUploadMIDIThenGetBlock(t *testing.T) {
	srv, _ := newTestServer(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "fanfare.mid")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(minimalSMFBytes)
	w.WriteField("group", "brass")
	w.Close()

	req := httptest.NewRequest(http.MethodPut, "/blocks/midi", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var uploaded jsonEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	data, _ := json.Marshal(uploaded.Data)
	var view blockResponse
	json.Unmarshal(data, &view)

	getReq := httptest.NewRequest(http.MethodGet, "/blocks/"+string(view.ID), nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getRec.Code)
	}
}

func TestUploadMIDIRejectsNonSMF(t *testing.T) {
	srv, _ := newTestServer(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, _ := w.CreateFormFile("file", "not-midi.txt")
	part.Write([]byte("not a midi file"))
	w.Close()

	req := httptest.NewRequest(http.MethodPut, "/blocks/midi", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a non-SMF upload, got %d", rec.Code)
	}
}

func TestUploadSharedMemoryRegistersBlock(t *testing.T) {
	srv, state := newTestServer(t)

	path := filepath.Join(t.TempDir(), "beat.bin")
	payload, _ := json.Marshal(map[string]string{"path": path})
	req := httptest.NewRequest(http.MethodPut, "/blocks/shared_memory", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var uploaded jsonEnvelope
	json.Unmarshal(rec.Body.Bytes(), &uploaded)
	data, _ := json.Marshal(uploaded.Data)
	var view blockResponse
	json.Unmarshal(data, &view)

	b, ok := state.Block(view.ID)
	if !ok || b.Group != "" {
		t.Fatalf("expected uploaded block to be registered in state, got %v, %v", b, ok)
	}
}

func TestDeleteBlockRemovesIt(t *testing.T) {
	srv, state := newTestServer(t)
	state.PutBlock(block.Block{ID: "a", Content: block.SharedMemorySource{Path: "/tmp/x"}})

	req := httptest.NewRequest(http.MethodDelete, "/blocks/a", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := state.Block("a"); ok {
		t.Error("expected block a to be deleted")
	}
}

func TestPlayUnknownBlockReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/blocks/play/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown block, got %d", rec.Code)
	}
}

func TestAbortRejectsNonLoopbackRemoteAddr(t *testing.T) {
	srv, state := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/abort", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-loopback abort, got %d", rec.Code)
	}
	select {
	case <-state.Aborted():
		t.Error("expected abort not to fire for a rejected request")
	default:
	}
}

func TestAbortAcceptsLoopbackRemoteAddr(t *testing.T) {
	srv, state := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/abort", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	select {
	case <-state.Aborted():
	default:
		t.Error("expected abort to fire for a loopback request")
	}
}

func TestInterruptDoesNotPanicWithNoActivePlayback(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/interrupt", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
