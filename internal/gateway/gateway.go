// Package gateway dispatches inbound HTTP requests to either the
// WebSocket tunnel entry point or the small JSON management surface
// that lists and edits accounts.
//
// The mux shape (named handlers registered on one http.ServeMux, with
// guarded logging via the CanLog* idiom) follows
// cmd/verysimple/apiServer.go, restated around a single mux that also
// owns the WebSocket upgrade path rather than running the management
// surface as a separate optional listener.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nullbind/vlessway/internal/identity"
	"github.com/nullbind/vlessway/internal/logging"
	"github.com/nullbind/vlessway/internal/metrics"
	"github.com/nullbind/vlessway/internal/tunnel"
	"github.com/nullbind/vlessway/internal/wsconn"
)

const indexPage = `<!DOCTYPE html>
<html><head><title>vlessway</title></head>
<body><p>It works.</p></body></html>
`

// Gateway wires the tunnel engine and the identity store's dynamic
// backend behind one http.Handler.
type Gateway struct {
	Engine  *tunnel.Engine
	Backend *identity.MapBackend // nil disables the management endpoints
	Metrics *metrics.Registry    // nil disables /api/allstate and session tracking

	mux *http.ServeMux
}

// New builds a Gateway ready to be used as an http.Handler.
func New(engine *tunnel.Engine, backend *identity.MapBackend, reg *metrics.Registry) *Gateway {
	g := &Gateway{Engine: engine, Backend: backend, Metrics: reg}
	g.mux = http.NewServeMux()
	g.mux.HandleFunc("/", g.handleRoot)
	if backend != nil {
		g.mux.HandleFunc("/api/accounts", g.handleAccounts)
		g.mux.HandleFunc("/api/create", g.handleCreate)
		g.mux.HandleFunc("/api/delete", g.handleDelete)
	}
	if reg != nil {
		g.mux.HandleFunc("/api/allstate", g.handleAllState)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeCORS(w)
	if isUpgradeRequest(r) {
		g.handleUpgrade(w, r)
		return
	}
	g.mux.ServeHTTP(w, r)
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// handleRoot upgrades a WebSocket handshake into a tunnel session, or
// serves a placeholder page for anything else that hits "/", so the
// listener looks like an ordinary website to anything that isn't
// speaking the upgrade handshake.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		g.handleUpgrade(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	stream, err := wsconn.Accept(w, r)
	if err != nil {
		if ce := logging.CanLog(zap.WarnLevel, "websocket upgrade failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}

	var sessionID uint64
	var tracked bool
	onStart := func(stats *tunnel.Stats) {
		if g.Metrics != nil {
			sessionID = g.Metrics.Track(r.RemoteAddr, stats)
			tracked = true
		}
	}

	stats, err := g.Engine.Serve(r.Context(), stream, onStart)
	if tracked {
		g.Metrics.Untrack(sessionID)
	}
	if err != nil {
		if ce := logging.CanLog(zap.DebugLevel, "tunnel session ended"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}
	if ce := logging.CanLog(zap.DebugLevel, "tunnel session closed"); ce != nil {
		ce.Write(zap.Int64("bytesUp", stats.BytesUp()), zap.Int64("bytesDown", stats.BytesDown()))
	}
}

func (g *Gateway) handleAllState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	g.Metrics.PrintAllState(w)
}

type accountView struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (g *Gateway) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accounts := g.Backend.List()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{UUID: a.UUID, Name: a.Name})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in accountView
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := g.Backend.Add(identity.Account{UUID: in.UUID, Name: in.Name}); err != nil {
		http.Error(w, "invalid uuid", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in accountView
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := g.Backend.Remove(in.UUID); err != nil {
		http.Error(w, "invalid uuid", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
