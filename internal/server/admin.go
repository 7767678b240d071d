package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/exp/slices"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/store"
)

// AdminHandler builds the read-only diagnostics surface for this node:
// cluster membership, local active-object count, and placement lookups.
// It is a separate HTTP listener from the wire protocol port, matching
// this codebase's long-standing pattern of a small introspection surface
// alongside the primary protocol.
func (s *Server) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/members", s.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/scheduler", s.handleSchedulerInfo).Methods(http.MethodGet)
	r.HandleFunc("/placement/{type}/{id}", s.handlePlacementLookup).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	members, err := s.membership.ListActive(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	slices.SortFunc(members, func(a, b store.MemberEntry) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		default:
			return 0
		}
	})
	writeJSON(w, map[string]any{"self": s.self, "members": members})
}

func (s *Server) handleSchedulerInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"self": s.self, "active_objects": s.scheduler.ActiveCount()})
}

func (s *Server) handlePlacementLookup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	addr, err := s.placement.Lookup(ctx, actor.Identity{Type: vars["type"], ID: vars["id"]})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"type_name": vars["type"], "id": vars["id"], "server_address": addr})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
