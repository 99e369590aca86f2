// Package opnsensetest provides an in-memory OPNsense Unbound API for tests.
package opnsensetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// HostOverride is a stored Unbound host override.
type HostOverride struct {
	Enabled     string `json:"enabled"`
	Hostname    string `json:"hostname"`
	Domain      string `json:"domain"`
	RR          string `json:"rr"`
	Server      string `json:"server"`
	Description string `json:"description"`
	MXPrio      string `json:"mxprio"`
	MX          string `json:"mx"`
}

// Server serves the settings and service endpoints under /api/unbound.
type Server struct {
	mu     sync.Mutex
	store  map[string]HostOverride
	nextID int
	calls  []string
	// failures maps a path prefix to the status it answers with.
	failures map[string]int

	URL string
}

// NewServer starts a fake API that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	f := &Server{store: map[string]HostOverride{}, failures: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.URL = srv.URL + "/api"
	return f
}

// Put stores an override directly and returns its uuid.
func (f *Server) Put(h HostOverride) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("uuid-%d", f.nextID)
	f.store[id] = h
	return id
}

// Update replaces the override stored under id.
func (f *Server) Update(id string, h HostOverride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[id] = h
}

// Overrides returns a copy of the stored overrides keyed by uuid.
func (f *Server) Overrides() map[string]HostOverride {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]HostOverride, len(f.store))
	for k, v := range f.store {
		out[k] = v
	}
	return out
}

// Calls returns the "METHOD path" of every request received so far.
func (f *Server) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Fail makes every request whose path starts with /api/<prefix> answer status.
func (f *Server) Fail(prefix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures["/api/"+prefix] = status
}

func (f *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	for prefix, status := range f.failures {
		if strings.HasPrefix(r.URL.Path, prefix) {
			f.mu.Unlock()
			http.Error(w, http.StatusText(status), status)
			return
		}
	}
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/api/unbound/settings/searchHostOverride":
		f.handleSearch(w)
	case r.URL.Path == "/api/unbound/settings/addHostOverride":
		f.handleAdd(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/unbound/settings/setHostOverride/"):
		f.handleSet(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/unbound/settings/delHostOverride/"):
		f.handleDel(w, r)
	case r.URL.Path == "/api/unbound/service/reconfigure":
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		http.NotFound(w, r)
	}
}

func (f *Server) handleSearch(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type row struct {
		UUID string `json:"uuid"`
		HostOverride
	}
	rows := []row{}
	for id, h := range f.store {
		rows = append(rows, row{UUID: id, HostOverride: h})
	}
	writeJSON(w, map[string]any{"rows": rows, "total": len(rows)})
}

func (f *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Host HostOverride `json:"host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := f.Put(payload.Host)
	writeJSON(w, map[string]string{"result": "saved", "uuid": id})
}

func (f *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/unbound/settings/setHostOverride/")
	var payload struct {
		Host HostOverride `json:"host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[id]; !ok {
		http.Error(w, `{"result":"not found"}`, http.StatusNotFound)
		return
	}
	f.store[id] = payload.Host
	writeJSON(w, map[string]string{"result": "saved"})
}

func (f *Server) handleDel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/unbound/settings/delHostOverride/")

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[id]; !ok {
		writeJSON(w, map[string]string{"result": "not found"})
		return
	}
	delete(f.store, id)
	writeJSON(w, map[string]string{"result": "deleted"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
