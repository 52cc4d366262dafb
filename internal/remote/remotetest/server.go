// Package remotetest provides an in-memory fake of the REST sync API with
// scriptable failures and call counters.
package remotetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/tempo/backend/internal/sync/wire"
)

// Fault makes matching requests fail.
type Fault struct {
	Method string // empty matches any method
	Path   string // request path without query; a trailing "*" matches a prefix
	Status int    // response status; 0 with Hang set blocks until the client gives up
	Body   string
	Times  int // number of requests to fail; 0 fails forever
	Hang   bool
}

func (f *Fault) matches(method, path string) bool {
	if f.Method != "" && f.Method != method {
		return false
	}
	if strings.HasSuffix(f.Path, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(f.Path, "*"))
	}
	return f.Path == path
}

type entry struct {
	raw     json.RawMessage
	updated time.Time
}

// Server is a fake REST API backed by httptest.Server.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	records    map[string]map[string]*entry
	tombstones map[string]map[string]time.Time
	conflicts  map[string]bool
	faults     []*Fault
	calls      map[string]int
	token      string
	now        func() time.Time
}

// NewServer starts a fake API. Close it when done.
func NewServer() *Server {
	s := &Server{
		records:    make(map[string]map[string]*entry),
		tombstones: make(map[string]map[string]time.Time),
		conflicts:  make(map[string]bool),
		calls:      make(map[string]int),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// RequireToken makes every request without this bearer token fail with 401.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetClock replaces the server clock.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Inject adds a fault. Faults are checked in insertion order.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// ClearFaults removes every fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Conflict makes the next PUT of resource/id answer 409 with the stored record.
func (s *Server) Conflict(resource, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[resource+"/"+id] = true
}

// Put stores a record as the server's version, stamping updated_at with the
// server clock unless the record already carries one.
func (s *Server) Put(resource string, record map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := record["updated_at"]; !ok {
		record["updated_at"] = wire.FormatTimestamp(now)
	}
	raw, _ := json.Marshal(record)
	s.store(resource, record["id"].(string), raw, now)
}

// PutRaw stores a record body verbatim, for payloads the client must reject.
func (s *Server) PutRaw(resource, id string, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(resource, id, json.RawMessage(raw), s.now())
}

// Remove deletes a record and leaves a tombstone for delta requests.
func (s *Server) Remove(resource, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(resource, id)
}

// Record returns the stored record, or nil.
func (s *Server) Record(resource, id string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[resource][id]
	if !ok {
		return nil
	}
	var out map[string]interface{}
	json.Unmarshal(e.raw, &out)
	return out
}

// Count returns the number of records stored for resource.
func (s *Server) Count(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[resource])
}

// Calls returns how many requests hit method on path prefix, e.g.
// Calls("POST", "/tasks").
func (s *Server) Calls(method, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.calls {
		m, p, _ := strings.Cut(key, " ")
		if m == method && strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// Mutations returns the number of POST, PUT and DELETE requests received.
func (s *Server) Mutations() int {
	return s.Calls(http.MethodPost, "/") + s.Calls(http.MethodPut, "/") + s.Calls(http.MethodDelete, "/")
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *Server) store(resource, id string, raw json.RawMessage, at time.Time) {
	if s.records[resource] == nil {
		s.records[resource] = make(map[string]*entry)
	}
	s.records[resource][id] = &entry{raw: raw, updated: at}
	delete(s.tombstones[resource], id)
}

func (s *Server) remove(resource, id string) bool {
	if _, ok := s.records[resource][id]; !ok {
		return false
	}
	delete(s.records[resource], id)
	if s.tombstones[resource] == nil {
		s.tombstones[resource] = make(map[string]time.Time)
	}
	s.tombstones[resource][id] = s.now()
	return true
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[r.Method+" "+r.URL.Path]++

	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	for _, f := range s.faults {
		if !f.matches(r.Method, r.URL.Path) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Times = -1
			}
		} else if f.Times < 0 {
			continue
		}
		s.mu.Unlock()
		if f.Hang {
			<-r.Context().Done()
			return
		}
		w.WriteHeader(f.Status)
		io.WriteString(w, f.Body)
		return
	}
	defer s.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/sync/time" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"server_time": wire.FormatTimestamp(s.now())})
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.changes(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.create(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodPut:
		s.update(w, r, parts[0], parts[1])
	case len(parts) == 2 && r.Method == http.MethodDelete:
		if !s.remove(parts[0], parts[1]) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && parts[0] == "tasks" && parts[2] == "complete" && r.Method == http.MethodPost:
		s.complete(w, parts[1])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route"})
	}
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request, resource string) {
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, ok := wire.ParseTimestamp(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad since"})
			return
		}
		since = &t
	}

	changed := []json.RawMessage{}
	ids := make([]string, 0, len(s.records[resource]))
	for id := range s.records[resource] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := s.records[resource][id]
		if since == nil || !e.updated.Before(*since) {
			changed = append(changed, e.raw)
		}
	}

	deleted := []string{}
	for id, at := range s.tombstones[resource] {
		if since == nil || !at.Before(*since) {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)

	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "deleted": deleted})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, resource string) {
	record, ok := readRecord(w, r)
	if !ok {
		return
	}
	id, _ := record["id"].(string)
	if id == "" {
		id = uuid.New().String()
		record["id"] = id
	}
	s.save(w, http.StatusCreated, resource, id, record)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, resource, id string) {
	key := resource + "/" + id
	if s.conflicts[key] {
		delete(s.conflicts, key)
		if e, ok := s.records[resource][id]; ok {
			writeJSON(w, http.StatusConflict, map[string]json.RawMessage{"server_record": e.raw})
			return
		}
	}
	if _, ok := s.records[resource][id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	record, ok := readRecord(w, r)
	if !ok {
		return
	}
	record["id"] = id
	s.save(w, http.StatusOK, resource, id, record)
}

func (s *Server) complete(w http.ResponseWriter, id string) {
	e, ok := s.records["tasks"][id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	var record map[string]interface{}
	json.Unmarshal(e.raw, &record)
	now := s.now()
	record["completed"] = true
	record["completed_at"] = wire.FormatTimestamp(now)
	s.save(w, http.StatusOK, "tasks", id, record)
}

func (s *Server) save(w http.ResponseWriter, status int, resource, id string, record map[string]interface{}) {
	now := s.now()
	delete(record, "client_updated_at")
	record["updated_at"] = wire.FormatTimestamp(now)
	raw, _ := json.Marshal(record)
	s.store(resource, id, raw, now)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func readRecord(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var record map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil || record == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid body"})
		return nil, false
	}
	return record, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
