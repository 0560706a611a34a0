package gramdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sync phases.
const (
	PhasePull = "pull"
	PhasePush = "push"
)

// Replicator reconciles the local collections with a class server speaking
// the CouchDB _all_docs / _bulk_docs protocol. Every request is retried
// with backoff behind a circuit breaker shared by all collections.
type Replicator struct {
	db      *DB
	cfg     ReplicationConfig
	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker
}

func newReplicator(db *DB, cfg ReplicationConfig) *Replicator {
	return &Replicator{
		db:     db,
		cfg:    cfg,
		client: cfg.HTTPClient,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    cfg.RetryBackoff,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		cb: NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
	}
}

// CollectionReport is the outcome of one collection in a sync round.
type CollectionReport struct {
	Name    string     `json:"name"`
	Pulled  MergeStats `json:"pulled"`
	Pushed  int        `json:"pushed"`
	PullErr error      `json:"-"`
	PushErr error      `json:"-"`
}

// OK reports whether both phases succeeded.
func (c CollectionReport) OK() bool { return c.PullErr == nil && c.PushErr == nil }

// SyncReport is the outcome of one sync round.
type SyncReport struct {
	Endpoint    string             `json:"endpoint"`
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished"`
	Collections []CollectionReport `json:"collections"`
}

// Failed reports whether any phase of any collection failed.
func (r *SyncReport) Failed() bool {
	return len(r.Errors()) > 0
}

// Errors returns every phase error of the round.
func (r *SyncReport) Errors() []error {
	var errs []error
	for _, c := range r.Collections {
		if c.PullErr != nil {
			errs = append(errs, c.PullErr)
		}
		if c.PushErr != nil {
			errs = append(errs, c.PushErr)
		}
	}
	return errs
}

// Err joins Errors into one error, or nil.
func (r *SyncReport) Err() error {
	return errors.Join(r.Errors()...)
}

// Collection returns the report of a collection, or nil.
func (r *SyncReport) Collection(name string) *CollectionReport {
	for i := range r.Collections {
		if r.Collections[i].Name == name {
			return &r.Collections[i]
		}
	}
	return nil
}

// SetRemoteEndpoint stores the class server URL on the device. It takes
// precedence over Config.Replication.RemoteURL.
func (db *DB) SetRemoteEndpoint(ctx context.Context, endpoint string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.side.SetRemoteEndpoint(ctx, endpoint)
}

// RemoteEndpoint returns the class server URL sync would use, or "".
func (db *DB) RemoteEndpoint(ctx context.Context) (string, error) {
	endpoint, err := db.side.RemoteEndpoint(ctx)
	if err != nil {
		return "", err
	}
	if endpoint == "" {
		endpoint = strings.TrimRight(db.config.Replication.RemoteURL, "/")
	}
	return endpoint, nil
}

// Sync runs one replication round against the remote endpoint. Phase
// failures do not fail the call; they are reported per collection in the
// SyncReport. Concurrent calls share a single round.
func (db *DB) Sync(ctx context.Context) (*SyncReport, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	endpoint, err := db.RemoteEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		return nil, ErrNoRemote
	}

	// The shared round runs on the database context so one caller giving up
	// does not cancel it for the others; Close still stops it.
	ch := db.syncGroup.DoChan(endpoint, func() (any, error) {
		return db.replicator.run(db.ctx, endpoint), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncReport), nil
	}
}

func (r *Replicator) run(ctx context.Context, endpoint string) *SyncReport {
	report := &SyncReport{Endpoint: endpoint, Started: r.db.now()}
	for _, name := range r.cfg.Collections {
		cr := CollectionReport{Name: name}
		coll, ok := r.db.collections[name]
		if !ok {
			cr.PullErr = fmt.Errorf("%w: %q", ErrUnknownCollection, name)
			report.Collections = append(report.Collections, cr)
			continue
		}

		cr.Pulled, cr.PullErr = r.pull(ctx, endpoint, name)
		if cr.PullErr != nil {
			r.db.logger.Warn("replication pull failed", "collection", name, "err", cr.PullErr)
		}
		if coll.push {
			cr.Pushed, cr.PushErr = r.push(ctx, endpoint, name)
			if cr.PushErr != nil {
				r.db.logger.Warn("replication push failed", "collection", name, "err", cr.PushErr)
			}
		}
		r.checkpoint(ctx, cr)
		report.Collections = append(report.Collections, cr)
	}
	report.Finished = r.db.now()
	r.db.logger.Info("replication round finished",
		"endpoint", endpoint, "collections", len(report.Collections), "failed", report.Failed())
	return report
}

func (r *Replicator) checkpoint(ctx context.Context, cr CollectionReport) {
	cp, err := r.db.side.Checkpoint(ctx, cr.Name)
	if err != nil {
		r.db.logger.Warn("failed to read checkpoint", "collection", cr.Name, "err", err)
	}
	now := r.db.now().UnixMilli()
	cp.LastAttempt = now
	cp.Synced = cr.OK()
	if cp.Synced {
		cp.LastSuccess = now
		cp.LastError = ""
	} else if cr.PullErr != nil {
		cp.LastError = cr.PullErr.Error()
	} else {
		cp.LastError = cr.PushErr.Error()
	}
	if err := r.db.side.SaveCheckpoint(ctx, cr.Name, cp); err != nil {
		r.db.logger.Warn("failed to save checkpoint", "collection", cr.Name, "err", err)
	}
}

var errResponseTooLarge = errors.New("class server response too large")

type allDocsResponse struct {
	TotalRows int `json:"total_rows"`
	Rows      []struct {
		ID  string         `json:"id"`
		Doc map[string]any `json:"doc"`
	} `json:"rows"`
}

func (r *Replicator) pull(ctx context.Context, endpoint, collection string) (MergeStats, error) {
	url := joinURL(endpoint, collection, "_all_docs") + "?include_docs=true"
	body, err := r.request(ctx, collection, PhasePull, http.MethodGet, url, nil)
	if err != nil {
		return MergeStats{}, err
	}

	var resp allDocsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return MergeStats{}, &NetworkError{Collection: collection, Phase: PhasePull, Attempts: 1,
			Cause: fmt.Errorf("decode _all_docs: %w", err)}
	}

	docs := make([]Document, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		doc, ok := fromRemote(row.Doc)
		if !ok {
			continue
		}
		if collection == CollectionContent && r.cfg.BoundClassID != "" && doc.String("classId") != r.cfg.BoundClassID {
			continue
		}
		docs = append(docs, doc)
	}
	return r.db.mergeRemote(ctx, collection, docs)
}

type bulkDocsRequest struct {
	Docs []Document `json:"docs"`
}

type bulkDocsResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r *Replicator) push(ctx context.Context, endpoint, collection string) (int, error) {
	coll := r.db.collections[collection]
	docs, seqs := coll.pendingPush()
	if len(docs) == 0 {
		return 0, nil
	}

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = toRemote(d)
	}
	payload, err := json.Marshal(bulkDocsRequest{Docs: out})
	if err != nil {
		return 0, fmt.Errorf("encode %s push: %w", collection, err)
	}
	body, err := r.request(ctx, collection, PhasePush, http.MethodPost, joinURL(endpoint, collection, "_bulk_docs"), payload)
	if err != nil {
		return 0, err
	}

	// Documents the server rejected individually stay queued.
	var results []bulkDocsResult
	if json.Unmarshal(body, &results) == nil {
		for _, res := range results {
			if res.Error != "" {
				r.db.logger.Warn("remote rejected document", "collection", collection, "id", res.ID, "error", res.Error)
				delete(seqs, res.ID)
			}
		}
	}
	coll.clearPushed(ctx, seqs)
	return len(seqs), nil
}

// request performs one HTTP exchange with retry and the circuit breaker and
// returns the response body of a 2xx answer.
func (r *Replicator) request(ctx context.Context, collection, phase, method, url string, payload []byte) ([]byte, error) {
	var (
		body   []byte
		result RetryResult
	)
	err := r.cb.Execute(func() error {
		result = r.retryer.Do(ctx, func() error {
			var err error
			body, err = r.send(ctx, method, url, payload)
			return err
		})
		return result.LastErr
	})
	if err != nil {
		return nil, &NetworkError{Collection: collection, Phase: phase, Attempts: result.Attempts, Cause: err}
	}
	return body, nil
}

func (r *Replicator) send(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > r.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", errResponseTooLarge, r.cfg.MaxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode}
	}
	return body, nil
}

// fromRemote converts a CouchDB document: _id becomes id when id is
// missing, other underscore fields are dropped and design documents and
// tombstones are skipped.
func fromRemote(raw map[string]any) (Document, bool) {
	if raw == nil {
		return nil, false
	}
	remoteID, _ := raw["_id"].(string)
	if strings.HasPrefix(remoteID, "_design/") {
		return nil, false
	}
	if deleted, _ := raw["_deleted"].(bool); deleted {
		return nil, false
	}
	doc := make(Document, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	if doc.ID() == "" {
		if remoteID == "" {
			return nil, false
		}
		doc["id"] = remoteID
	}
	return doc, true
}

// toRemote adds the CouchDB _id to a pushed document.
func toRemote(doc Document) Document {
	out := doc.Clone()
	out["_id"] = doc.ID()
	return out
}
