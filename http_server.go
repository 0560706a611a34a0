package gramdb

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"
)

type httpServer struct {
	srv      *http.Server
	listener net.Listener
}

func startHTTPServer(db *DB, cfg HTTPConfig) (*httpServer, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           db.handler(cfg),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			db.logger.Error("class server stopped", "err", err)
		}
	}()
	db.logger.Info("class server listening", "addr", listener.Addr().String())

	return &httpServer{srv: srv, listener: listener}, nil
}

func (s *httpServer) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// HTTPAddr returns the address the class server listens on, or "" when it
// is not running.
func (db *DB) HTTPAddr() string {
	db.lifecycle.mu.Lock()
	defer db.lifecycle.mu.Unlock()
	if db.lifecycle.httpServer == nil {
		return ""
	}
	return db.lifecycle.httpServer.listener.Addr().String()
}

// Handler returns the class server handler so it can be mounted in another
// server. Other devices replicate against it as they would against CouchDB.
func (db *DB) Handler() http.Handler {
	return db.handler(db.config.HTTP)
}

func (db *DB) handler(cfg HTTPConfig) http.Handler {
	rl := newRateLimiter(cfg.RateLimitPerSecond, time.Second)
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		h = recoverMiddleware(db.logger, h)
		return rateLimitMiddleware(rl, h)
	}

	mux := http.NewServeMux()
	setupReplicationRoutes(mux, db, cfg, wrap)
	setupChangesRoutes(mux, db, wrap)
	return mux
}

type allDocsRow struct {
	ID    string         `json:"id"`
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
	Doc   Document       `json:"doc,omitempty"`
}

func setupReplicationRoutes(mux *http.ServeMux, db *DB, cfg HTTPConfig, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /health", wrap(func(w http.ResponseWriter, r *http.Request) {
		counts := make(map[string]int, len(db.collections))
		for name, c := range db.collections {
			n, err := c.Count(r.Context(), nil)
			if err != nil {
				jsonError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
				return
			}
			counts[name] = n
		}
		writeJSON(w, map[string]any{"status": "ok", "collections": counts})
	}))

	mux.HandleFunc("GET /{collection}/_all_docs", wrap(func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFromRequest(w, r, db)
		if !ok {
			return
		}
		docs, err := coll.Find(r.Context(), nil)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		includeDocs := r.URL.Query().Get("include_docs") == "true"
		rows := make([]allDocsRow, 0, len(docs))
		for _, doc := range docs {
			row := allDocsRow{ID: doc.ID(), Key: doc.ID(), Value: map[string]any{}}
			if includeDocs {
				row.Doc = toRemote(doc)
			}
			rows = append(rows, row)
		}
		writeJSON(w, map[string]any{"total_rows": len(rows), "offset": 0, "rows": rows})
	}))

	mux.HandleFunc("POST /{collection}/_bulk_docs", wrap(func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFromRequest(w, r, db)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		var req struct {
			Docs []map[string]any `json:"docs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
			return
		}

		results := make([]bulkDocsResult, 0, len(req.Docs))
		docs := make([]Document, 0, len(req.Docs))
		for _, raw := range req.Docs {
			doc, ok := fromRemote(raw)
			if !ok {
				id, _ := raw["_id"].(string)
				results = append(results, bulkDocsResult{ID: id, Error: "bad_request"})
				continue
			}
			docs = append(docs, doc)
		}

		stats, err := db.mergeRemote(r.Context(), coll.Name(), docs)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		for _, doc := range docs {
			if slices.Contains(stats.RejectedIDs, doc.ID()) {
				results = append(results, bulkDocsResult{ID: doc.ID(), Error: "forbidden"})
				continue
			}
			results = append(results, bulkDocsResult{ID: doc.ID(), OK: true})
		}
		writeJSONStatus(w, http.StatusCreated, results)
	}))
}

func collectionFromRequest(w http.ResponseWriter, r *http.Request, db *DB) (*Collection, bool) {
	coll, err := db.Collection(r.PathValue("collection"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "not_found", err.Error())
		return nil, false
	}
	return coll, true
}
