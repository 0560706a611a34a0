package gramdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// origin distinguishes writes made on this device from writes that arrived
// from a remote replica. Only local writes are queued for push.
type origin int

const (
	originLocal origin = iota
	originRemote
)

// storedDocument is the persisted envelope of one document.
type storedDocument struct {
	SchemaVersion int      `json:"schemaVersion"`
	Document      Document `json:"document"`
}

func documentKey(collection, id string) string {
	return collection + "/" + url.PathEscape(id) + ".json"
}

// decodeStored unwraps a persisted document. Blobs without an envelope are
// treated as version 0 documents.
func decodeStored(data []byte) (Document, int, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}
	if inner, ok := asMap(raw["document"]); ok {
		if v, ok := toFloat(raw["schemaVersion"]); ok {
			return Document(inner), int(v), nil
		}
	}
	return Document(raw), 0, nil
}

// Collection is one schema-validated document collection. All methods are
// safe for concurrent use; each mutation holds the collection lock across
// validation, persistence and the index update.
type Collection struct {
	name   string
	schema *CollectionSchema
	db     *DB
	push   bool

	mu    sync.RWMutex
	docs  map[string]Document
	dirty map[string]uint64
	seq   uint64

	// changes committed but not yet announced to subscribers
	pendingChanges []change

	subsMu sync.Mutex
	subs   map[string]*Subscription
}

func newCollection(db *DB, schema *CollectionSchema, push bool) *Collection {
	return &Collection{
		name:   schema.Name,
		schema: schema,
		db:     db,
		push:   push,
		docs:   make(map[string]Document),
		dirty:  make(map[string]uint64),
		subs:   make(map[string]*Subscription),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Schema returns the collection's current schema.
func (c *Collection) Schema() *CollectionSchema { return c.schema }

// Insert validates and stores a new document. v may be a Document, a map or
// any JSON-encodable struct such as User.
func (c *Collection) Insert(ctx context.Context, v any) (Document, error) {
	doc, err := c.prepare(v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	if _, exists := c.docs[doc.ID()]; exists {
		return nil, &DuplicateKeyError{Collection: c.name, ID: doc.ID()}
	}
	if err := c.commitLocked(ctx, doc.ID(), nil, doc, originLocal); err != nil {
		return nil, err
	}
	c.notifyLocked()
	return doc.Clone(), nil
}

// Upsert inserts doc or fully overwrites the document with the same id.
func (c *Collection) Upsert(ctx context.Context, v any) (Document, error) {
	return c.upsert(ctx, v, originLocal)
}

func (c *Collection) upsert(ctx context.Context, v any, o origin) (Document, error) {
	doc, err := c.prepare(v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.commitLocked(ctx, doc.ID(), c.docs[doc.ID()], doc, o); err != nil {
		return nil, err
	}
	c.notifyLocked()
	return doc.Clone(), nil
}

// Patch shallow-merges partial into the stored document and re-validates
// the result. The id cannot be changed.
func (c *Collection) Patch(ctx context.Context, id string, partial map[string]any) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	before, ok := c.docs[id]
	if !ok {
		return nil, &NotFoundError{Collection: c.name, ID: id}
	}
	if newID, ok := partial["id"]; ok && newID != id {
		return nil, newValidationError(c.name, "id", "cannot be changed")
	}

	merged := before.Clone()
	for k, v := range partial {
		merged[k] = v
	}
	after, err := c.prepare(merged)
	if err != nil {
		return nil, err
	}
	if err := c.commitLocked(ctx, id, before, after, originLocal); err != nil {
		return nil, err
	}
	c.notifyLocked()
	return after.Clone(), nil
}

// Remove deletes a document. Removing a missing id is not an error.
func (c *Collection) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.checkOpen(); err != nil {
		return err
	}
	before, ok := c.docs[id]
	if !ok {
		return nil
	}
	if err := c.commitLocked(ctx, id, before, nil, originLocal); err != nil {
		return err
	}
	c.notifyLocked()
	return nil
}

// FindOne returns the document with the given id, or nil when absent.
func (c *Collection) FindOne(ctx context.Context, id string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// Find returns every document matching sel ordered by id.
func (c *Collection) Find(ctx context.Context, sel Selector) ([]Document, error) {
	return c.Query(ctx, Query{Selector: sel})
}

// Query runs a selector with ordering and limit.
func (c *Collection) Query(ctx context.Context, q Query) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	return c.queryLocked(q), nil
}

// Count returns the number of documents matching sel.
func (c *Collection) Count(ctx context.Context, sel Selector) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.db.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range c.docs {
		if sel.Matches(doc) {
			n++
		}
	}
	return n, nil
}

// Subscribe emits the documents matching sel now and after every change
// that affects them.
func (c *Collection) Subscribe(sel Selector) (*Subscription, error) {
	return c.SubscribeQuery(Query{Selector: sel})
}

// SubscribeQuery is Subscribe with ordering and limit.
func (c *Collection) SubscribeQuery(q Query) (*Subscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}

	sub := newSubscription(c, q)
	c.subsMu.Lock()
	c.subs[sub.ID] = sub
	c.subsMu.Unlock()
	sub.deliver(c.queryLocked(q))
	return sub, nil
}

func (c *Collection) unsubscribe(id string) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
}

func (c *Collection) closeSubscriptions() {
	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// prepare normalizes v and validates it against the schema.
func (c *Collection) prepare(v any) (Document, error) {
	doc, err := normalizeDocument(v)
	if err != nil {
		return nil, newValidationError(c.name, "", "not a JSON object: %v", err)
	}
	if doc.ID() == "" {
		return nil, newValidationError(c.name, "id", "must be a non-empty string")
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Collection) queryLocked(q Query) []Document {
	out := make([]Document, 0)
	for _, doc := range c.docs {
		if q.Selector.Matches(doc) {
			out = append(out, doc)
		}
	}
	sortDocuments(out, q.SortBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, doc := range out {
		out[i] = doc.Clone()
	}
	return out
}

// commitLocked persists a single change and applies it to the index. A nil
// after deletes the document. The caller holds c.mu.
func (c *Collection) commitLocked(ctx context.Context, id string, before, after Document, o origin) error {
	key := documentKey(c.name, id)
	if after == nil {
		if err := c.db.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
		}
		delete(c.docs, id)
		if _, ok := c.dirty[id]; ok {
			delete(c.dirty, id)
			_ = c.db.side.ClearPending(ctx, c.name, id)
		}
	} else {
		if err := c.persist(ctx, after); err != nil {
			return err
		}
		c.docs[id] = after
		if c.push && o == originLocal {
			c.seq++
			c.dirty[id] = c.seq
			if err := c.db.side.MarkPending(ctx, c.name, id); err != nil {
				c.db.logger.Warn("failed to queue document for push",
					"collection", c.name, "id", id, "err", err)
			}
		}
	}
	c.pendingChanges = append(c.pendingChanges, change{before: before, after: after})
	return nil
}

type change struct {
	before, after Document
}

// notifyLocked delivers fresh result sets to subscriptions affected by the
// changes committed since the last notification. The caller holds c.mu.
func (c *Collection) notifyLocked() {
	changes := c.pendingChanges
	c.pendingChanges = nil
	if len(changes) == 0 {
		return
	}

	c.subsMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		for _, ch := range changes {
			if s.affectedBy(ch.before, ch.after) {
				s.deliver(c.queryLocked(s.Query))
				break
			}
		}
	}
}

// merge runs fn with exclusive access to the collection. fn may look
// documents up with find and returns the documents to upsert; every
// returned document is validated and committed before subscribers are
// notified once.
func (c *Collection) merge(ctx context.Context, o origin, fn func(find func(Selector) []Document) ([]Document, error)) ([]Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	defer c.notifyLocked()

	find := func(sel Selector) []Document { return c.queryLocked(Query{Selector: sel}) }
	writes, err := fn(find)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(writes))
	for _, w := range writes {
		doc, err := c.prepare(w)
		if err != nil {
			return out, err
		}
		if err := c.commitLocked(ctx, doc.ID(), c.docs[doc.ID()], doc, o); err != nil {
			return out, err
		}
		out = append(out, doc.Clone())
	}
	return out, nil
}

// pendingPush returns the locally changed documents awaiting push along
// with the change sequence each was captured at.
func (c *Collection) pendingPush() ([]Document, map[string]uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	docs := make([]Document, 0, len(c.dirty))
	seqs := make(map[string]uint64, len(c.dirty))
	for id, seq := range c.dirty {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		docs = append(docs, doc.Clone())
		seqs[id] = seq
	}
	sortDocuments(docs, "id", false)
	return docs, seqs
}

// clearPushed drops queued documents that have not changed since seqs was
// captured.
func (c *Collection) clearPushed(ctx context.Context, seqs map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, seq := range seqs {
		if c.dirty[id] != seq {
			continue
		}
		delete(c.dirty, id)
		if err := c.db.side.ClearPending(ctx, c.name, id); err != nil {
			c.db.logger.Warn("failed to clear pushed document", "collection", c.name, "id", id, "err", err)
		}
	}
}

// pendingLocked reports whether id has local changes awaiting push. The
// caller holds c.mu.
func (c *Collection) pendingLocked(id string) bool {
	_, ok := c.dirty[id]
	return ok
}

// PendingCount returns the number of documents waiting to be pushed.
func (c *Collection) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty)
}

// persist writes doc at the current schema version without touching the
// index, the push queue or subscribers.
func (c *Collection) persist(ctx context.Context, doc Document) error {
	data, err := json.Marshal(storedDocument{SchemaVersion: c.schema.Version, Document: doc})
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, doc.ID(), err)
	}
	if err := c.db.backend.Write(ctx, documentKey(c.name, doc.ID()), data); err != nil {
		return fmt.Errorf("write %s/%s: %w", c.name, doc.ID(), err)
	}
	return nil
}

// load fills the index from storage during Open; no lock is needed.
func (c *Collection) load(id string, doc Document) {
	c.docs[id] = doc
}

func (c *Collection) restorePending(ids []string) {
	for _, id := range ids {
		if _, ok := c.docs[id]; !ok {
			continue
		}
		c.seq++
		c.dirty[id] = c.seq
	}
}

func idFromKey(collection, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, collection+"/")
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, ".json")
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	id, err := url.PathUnescape(name)
	return id, err == nil
}
