// Package backendtest provides an in-memory marketplace backend for tests.
//
// It serves the entity API the sync engine talks to, with the stock rules of
// the real service: an order for a missing product is a 404, an order larger
// than the remaining stock is a 400, and a successful order decrements the
// product quantity. Mutations carrying an Idempotency-Key are applied once and
// the recorded response is replayed for repeats.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type reply struct {
	status int
	body   map[string]any
}

// Server is an in-memory backend.
type Server struct {
	mu          sync.Mutex
	entities    map[string]map[int64]map[string]any
	nextID      int64
	idempotency map[string]reply
	calls       map[string]int // "METHOD kind" to number of requests received.
	down        bool
	delay       time.Duration

	*httptest.Server
}

// New starts a server. Callers must Close it.
func New() *Server {
	s := &Server{
		entities: map[string]map[int64]map[string]any{
			"products": {},
			"orders":   {},
		},
		nextID:      1,
		idempotency: make(map[string]reply),
		calls:       make(map[string]int),
	}
	s.Server = httptest.NewServer(s.Routes())
	return s
}

// Routes creates the HTTP router with the entity endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.outage)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/entities/{kind}", func(r chi.Router) {
		r.Use(s.knownKind)
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Get("/{id}", s.get)
		r.Patch("/{id}", s.update)
		r.Put("/{id}", s.update)
		r.Delete("/{id}", s.remove)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) outage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()
		if down {
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) knownKind(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		s.mu.Lock()
		_, ok := s.entities[kind]
		s.calls[r.Method+" "+kind]++
		delay := s.delay
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown entity %s", kind))
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		next.ServeHTTP(w, r)
	})
}

// SetDown makes every endpoint answer 503 until called with false.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetDelay makes every entity request wait d after it was counted.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetNextID sets the id assigned to the next created entity.
func (s *Server) SetNextID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = id
}

// Seed stores an entity under id.
func (s *Server) Seed(kind string, id int64, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[kind][id] = withID(id, attrs)
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

// Remove deletes an entity as if another client had removed it.
func (s *Server) Remove(kind string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities[kind], id)
}

// Entity returns a copy of a stored entity.
func (s *Server) Entity(kind string, id int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return nil, false
	}
	return withID(id, e), true
}

// Entities returns copies of every stored entity of kind ordered by id.
func (s *Server) Entities(kind string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(kind)
}

// Calls returns how many requests with method were received for kind.
func (s *Server) Calls(method, kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+kind]
}

func (s *Server) sorted(kind string) []map[string]any {
	ids := make([]int64, 0, len(s.entities[kind]))
	for id := range s.entities[kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = withID(id, s.entities[kind][id])
	}
	return out
}

func withID(id int64, attrs map[string]any) map[string]any {
	e := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		e[k] = v
	}
	e["id"] = id
	return e
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := s.sorted(chi.URLParam(r, "kind"))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}

	s.mu.Lock()
	e, found := s.entities[kind][id]
	var out map[string]any
	if found {
		out = withID(id, e)
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", kind, id))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// idempotent replays a recorded reply for a repeated key. It must be called with s.mu held.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", false
	}
	key = r.Method + " " + r.URL.Path + " " + key
	if rep, ok := s.idempotency[key]; ok {
		writeJSON(w, rep.status, rep.body)
		return key, true
	}
	return key, false
}

func (s *Server) respond(w http.ResponseWriter, key string, status int, body map[string]any) {
	if key != "" {
		s.idempotency[key] = reply{status: status, body: body}
	}
	writeJSON(w, status, body)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	var attrs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	delete(attrs, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	key, replayed := s.idempotent(w, r)
	if replayed {
		return
	}

	if kind == "orders" {
		if status, msg := s.placeOrder(attrs); status != 0 {
			s.respond(w, key, status, map[string]any{"error": msg})
			return
		}
	}

	id := s.nextID
	s.nextID++
	s.entities[kind][id] = attrs
	s.respond(w, key, http.StatusCreated, withID(id, attrs))
}

// placeOrder checks and reserves stock for a new order. It must be called with s.mu held.
func (s *Server) placeOrder(attrs map[string]any) (int, string) {
	productID, ok := number(attrs["productId"])
	if !ok {
		return http.StatusBadRequest, "Invalid product id"
	}
	product, ok := s.entities["products"][int64(productID)]
	if !ok {
		return http.StatusNotFound, "Product not found"
	}

	quantity, _ := number(attrs["quantity"])
	stock, _ := number(product["quantity"])
	if quantity <= 0 {
		return http.StatusBadRequest, "Invalid quantity"
	}
	if quantity > stock {
		return http.StatusBadRequest, "Insufficient stock"
	}

	product["quantity"] = stock - quantity
	attrs["productId"] = productID
	if _, ok := attrs["status"]; !ok {
		attrs["status"] = "pending"
	}
	if _, ok := attrs["totalPrice"]; !ok {
		price, _ := number(product["price"])
		attrs["totalPrice"] = price * quantity
	}
	return 0, ""
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	delete(patch, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	key, replayed := s.idempotent(w, r)
	if replayed {
		return
	}

	e, found := s.entities[kind][id]
	if !found {
		s.respond(w, key, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("%s %d not found", kind, id)})
		return
	}
	// Last writer wins.
	for k, v := range patch {
		e[k] = v
	}
	s.respond(w, key, http.StatusOK, withID(id, e))
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.entities[kind][id]; !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %d not found", kind, id))
		return
	}
	delete(s.entities[kind], id)
	w.WriteHeader(http.StatusNoContent)
}
