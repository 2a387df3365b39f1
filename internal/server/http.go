package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
	"github.com/parcelview/persist/internal/remote"
)

// Server exposes the sync API over HTTP.
type Server struct {
	cfg   *config.Config
	store *Store
	hub   *Hub
	mux   *http.ServeMux
	http  *http.Server
}

// NewServer creates a sync server over the canonical store.
func NewServer(cfg *config.Config, store *Store) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		hub:   NewHub(cfg),
		mux:   http.NewServeMux(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/layouts", s.handleLayouts)
	s.mux.HandleFunc("/layouts/", s.handleLayout)
	s.mux.HandleFunc("/user/preferences", s.handlePreferences)
	s.mux.HandleFunc("/user/preferences/reset", s.handlePreferencesReset)
	s.mux.HandleFunc("/ws/updates", s.handleUpdates)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the server on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.cfg.Log(1, "sync server listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown disconnects update subscribers, stops accepting connections, and
// drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// Close disconnects update subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

// handleLayouts serves the layout collection: GET lists, POST creates.
func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.store.List(record.KindLayout)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		wires := make([]remote.WireRecord, 0, len(records))
		for _, rec := range records {
			wires = append(wires, remote.ToWire(rec))
		}
		s.writeJSON(w, wires)

	case http.MethodPost:
		var wire remote.WireRecord
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			s.writeError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if wire.ID == "" {
			wire.ID = uuid.NewString()
		}
		wire.Kind = string(record.KindLayout)
		s.saveAndRespond(w, wire)

	default:
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleLayout serves one layout: GET, PUT, DELETE.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/layouts/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, ok, err := s.store.Get(record.KindLayout, id)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			s.writeError(w, "not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, remote.ToWire(rec))

	case http.MethodPut:
		var wire remote.WireRecord
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			s.writeError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		wire.ID = id
		wire.Kind = string(record.KindLayout)
		s.saveAndRespond(w, wire)

	case http.MethodDelete:
		existed, err := s.store.Delete(record.KindLayout, id)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !existed {
			s.writeError(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePreferences serves the aggregated user-preferences document.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.buildPreferences()
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, doc)

	case http.MethodPut:
		var doc remote.PreferencesDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			s.writeError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.applyPreferences(&doc); err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		saved, err := s.buildPreferences()
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, saved)

	default:
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePreferencesReset drops all panel states and filter presets.
func (s *Server) handlePreferencesReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Clear(record.KindPanel, record.KindFilter); err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdates upgrades websocket subscriptions to the update stream.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}

// buildPreferences assembles the preferences document from canonical
// records.
func (s *Server) buildPreferences() (*remote.PreferencesDoc, error) {
	doc := remote.NewPreferencesDoc()
	doc.UpdatedAt = time.Now()

	for _, kind := range []record.Kind{record.KindPanel, record.KindFilter} {
		records, err := s.store.List(kind)
		if err != nil {
			return nil, err
		}
		section, _ := doc.Section(kind)
		for _, rec := range records {
			section[rec.ID] = remote.ToWire(rec)
		}
	}
	return doc, nil
}

// applyPreferences reconciles an incoming preferences document against the
// canonical store: present entries are saved (and broadcast), entries the
// client dropped are deleted.
func (s *Server) applyPreferences(doc *remote.PreferencesDoc) error {
	for _, kind := range []record.Kind{record.KindPanel, record.KindFilter} {
		section, err := doc.Section(kind)
		if err != nil {
			return err
		}

		existing, err := s.store.List(kind)
		if err != nil {
			return err
		}
		for _, rec := range existing {
			if _, ok := section[rec.ID]; !ok {
				if _, err := s.store.Delete(kind, rec.ID); err != nil {
					return err
				}
			}
		}

		for id, wire := range section {
			wire.ID = id
			wire.Kind = string(kind)
			rec, err := remote.FromWire(wire)
			if err != nil {
				return err
			}
			// Unchanged entries keep their canonical version; only real
			// edits bump and broadcast.
			if stored, ok, _ := s.store.Get(kind, id); ok && bytes.Equal(stored.Payload, rec.Payload) {
				continue
			}
			canonical, err := s.store.Save(rec)
			if err != nil {
				return err
			}
			s.hub.Broadcast(canonical)
		}
	}
	return nil
}

// saveAndRespond persists a wire record, broadcasts it, and writes the
// canonical copy back.
func (s *Server) saveAndRespond(w http.ResponseWriter, wire remote.WireRecord) {
	rec, err := remote.FromWire(wire)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	canonical, err := s.store.Save(rec)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Broadcast(canonical)
	s.writeJSON(w, remote.ToWire(canonical))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
