package gramdb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCouch is a minimal class server speaking _all_docs and _bulk_docs.
type fakeCouch struct {
	mu       sync.Mutex
	docs     map[string][]map[string]any
	received map[string][]map[string]any
	reject   map[string]bool
	status   int
	requests int

	// hook runs before every request is served
	hook func()
}

func newFakeCouch(t *testing.T) (*fakeCouch, *httptest.Server) {
	t.Helper()
	f := &fakeCouch{
		docs:     make(map[string][]map[string]any),
		received: make(map[string][]map[string]any),
		reject:   make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{coll}/_all_docs", func(w http.ResponseWriter, r *http.Request) {
		if f.hook != nil {
			f.hook()
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		rows := make([]map[string]any, 0)
		for _, d := range f.docs[r.PathValue("coll")] {
			rows = append(rows, map[string]any{"id": d["_id"], "key": d["_id"], "value": map[string]any{}, "doc": d})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"total_rows": len(rows), "rows": rows})
	})
	mux.HandleFunc("POST /{coll}/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		if f.hook != nil {
			f.hook()
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		var req struct {
			Docs []map[string]any `json:"docs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		coll := r.PathValue("coll")
		results := make([]bulkDocsResult, 0, len(req.Docs))
		for _, d := range req.Docs {
			id, _ := d["_id"].(string)
			if f.reject[id] {
				results = append(results, bulkDocsResult{ID: id, Error: "forbidden"})
				continue
			}
			f.received[coll] = append(f.received[coll], d)
			results = append(results, bulkDocsResult{ID: id, OK: true})
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(results)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func fastReplication(url string) func(*Config) {
	return func(c *Config) {
		c.Replication.RemoteURL = url
		c.Replication.MaxRetries = 2
		c.Replication.RetryBackoff = time.Millisecond
		c.Replication.BreakerFailures = 100
	}
}

func TestSyncPullAndPush(t *testing.T) {
	ctx := context.Background()
	couch, srv := newFakeCouch(t)

	remoteUser := map[string]any(validUser())
	remoteUser["id"] = "r1"
	remoteUser["_id"] = "r1"
	remoteUser["_rev"] = "1-abc"
	couch.docs[CollectionUsers] = []map[string]any{remoteUser}
	couch.docs[CollectionProgress] = []map[string]any{
		{"_id": "p-r1", "id": "p-r1", "userId": "r1", "levelId": "l9", "score": 70, "stars": 2, "timestamp": 5},
	}
	couch.docs[CollectionContent] = []map[string]any{
		{"_id": "c1", "type": ContentSubject, "title": "Math", "classId": "7", "createdAt": 1},
		{"_id": "c2", "type": ContentSubject, "title": "Art", "classId": "8", "createdAt": 1},
		{"_id": "_design/views", "views": map[string]any{}},
		{"_id": "c3", "_deleted": true},
	}

	db := newTestDB(t, nil, fastReplication("http://unused.invalid"), func(c *Config) {
		c.Replication.BoundClassID = "7"
	})
	if err := db.SetRemoteEndpoint(ctx, srv.URL+"/"); err != nil {
		t.Fatal(err)
	}
	if ep, _ := db.RemoteEndpoint(ctx); ep != srv.URL {
		t.Errorf("endpoint = %q", ep)
	}

	local := signupStudent(t, db, "Local")
	if _, _, err := db.RecordResult(ctx, local.ID, "l1", CalculateResult(4, 5)); err != nil {
		t.Fatal(err)
	}

	report, err := db.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Failed() {
		t.Fatalf("sync failed: %v", report.Err())
	}

	users := report.Collection(CollectionUsers)
	if users.Pulled.Inserted != 1 || users.Pushed != 1 {
		t.Errorf("users report = %+v", users)
	}
	if p := report.Collection(CollectionProgress); p.Pulled.Inserted != 1 || p.Pushed != 1 {
		t.Errorf("progress report = %+v", p)
	}
	if c := report.Collection(CollectionContent); c.Pulled.Inserted != 1 || c.Pushed != 0 {
		t.Errorf("content report = %+v", c)
	}

	if doc, _ := db.Users().FindOne(ctx, "r1"); doc == nil || doc["_rev"] != nil {
		t.Errorf("pulled user = %v", doc)
	}
	ids := func(coll *Collection) []string {
		docs, _ := coll.Find(ctx, nil)
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.ID()
		}
		return out
	}
	if got := ids(db.Content()); len(got) != 1 || got[0] != "c1" {
		t.Errorf("content = %v", got)
	}

	if db.Users().PendingCount() != 0 || db.Progress().PendingCount() != 0 {
		t.Error("push queue not cleared")
	}
	couch.mu.Lock()
	pushed := couch.received[CollectionUsers]
	couch.mu.Unlock()
	if len(pushed) != 1 || pushed[0]["_id"] != local.ID {
		t.Errorf("pushed users = %v", pushed)
	}

	cp, _ := db.Side().Checkpoint(ctx, CollectionProgress)
	if !cp.Synced || cp.LastSuccess != testEpoch.UnixMilli() {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestSyncNetworkFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	couch, srv := newFakeCouch(t)
	couch.status = http.StatusInternalServerError

	db := newTestDB(t, nil, fastReplication(srv.URL))
	signupStudent(t, db, "Local")

	report, err := db.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !report.Failed() {
		t.Fatal("expected a failed round")
	}
	users := report.Collection(CollectionUsers)
	var ne *NetworkError
	if !errors.As(users.PullErr, &ne) || ne.Phase != PhasePull || ne.Attempts != 2 {
		t.Errorf("pull error = %v", users.PullErr)
	}
	var se *StatusError
	if !errors.As(users.PushErr, &se) || se.Status != http.StatusInternalServerError {
		t.Errorf("push error = %v", users.PushErr)
	}
	if !errors.Is(report.Err(), ErrNetwork) {
		t.Errorf("joined error = %v", report.Err())
	}
	if db.Users().PendingCount() != 1 {
		t.Error("failed push dropped the queue")
	}

	cp, _ := db.Side().Checkpoint(ctx, CollectionUsers)
	if cp.Synced || cp.LastError == "" || cp.LastAttempt == 0 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestSyncRejectedDocumentsStayQueued(t *testing.T) {
	ctx := context.Background()
	couch, srv := newFakeCouch(t)
	db := newTestDB(t, nil, fastReplication(srv.URL))

	u := signupStudent(t, db, "Local")
	p, _, err := db.RecordResult(ctx, u.ID, "l1", CalculateResult(5, 5))
	if err != nil {
		t.Fatal(err)
	}
	couch.reject[p.ID] = true

	report, err := db.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := report.Collection(CollectionProgress).Pushed; got != 0 {
		t.Errorf("pushed = %d", got)
	}
	if db.Progress().PendingCount() != 1 || db.Users().PendingCount() != 0 {
		t.Errorf("pending users=%d progress=%d", db.Users().PendingCount(), db.Progress().PendingCount())
	}
}

func TestSyncWithoutRemote(t *testing.T) {
	db := newTestDB(t, nil)
	if _, err := db.Sync(context.Background()); !errors.Is(err, ErrNoRemote) {
		t.Errorf("expected ErrNoRemote, got %v", err)
	}
}

func TestSyncAgainstClassServer(t *testing.T) {
	ctx := context.Background()
	server := newTestDB(t, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	device := newTestDB(t, nil, fastReplication(srv.URL))
	u := signupStudent(t, device, "Asha")
	if _, _, err := device.RecordResult(ctx, u.ID, "l1", CalculateResult(4, 5)); err != nil {
		t.Fatal(err)
	}

	report, err := device.Sync(ctx)
	if err != nil || report.Failed() {
		t.Fatalf("Sync: %v %v", err, report.Err())
	}
	if doc, _ := server.Users().FindOne(ctx, u.ID); doc == nil {
		t.Error("user not replicated to the class server")
	}
	rows, _ := server.Progress().Find(ctx, Where(Eq("userId", u.ID)))
	if len(rows) != 1 || rows[0].Number("stars") != 2 {
		t.Errorf("server progress = %v", rows)
	}
	if server.Users().PendingCount() != 0 {
		t.Error("replicated documents queued on the server")
	}
}

func TestSyncKeepsUnpushedLocalEdits(t *testing.T) {
	ctx := context.Background()
	server := newTestDB(t, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	device := newTestDB(t, nil, fastReplication(srv.URL))
	u := signupStudent(t, device, "Asha")
	if _, err := device.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	if _, err := device.Users().Patch(ctx, u.ID, map[string]any{"teacherClassId": "class-7"}); err != nil {
		t.Fatal(err)
	}
	report, err := device.Sync(ctx)
	if err != nil || report.Failed() {
		t.Fatalf("second sync: %v %v", err, report.Err())
	}
	if got := report.Collection(CollectionUsers); got.Pulled.Ignored != 1 || got.Pushed != 1 {
		t.Errorf("users report = %+v", got)
	}

	local, _ := device.Users().FindOne(ctx, u.ID)
	if local.String("teacherClassId") != "class-7" {
		t.Errorf("device copy = %v", local)
	}
	remote, _ := server.Users().FindOne(ctx, u.ID)
	if remote.String("teacherClassId") != "class-7" {
		t.Errorf("server copy = %v", remote)
	}
	if device.Users().PendingCount() != 0 {
		t.Error("pushed edit still queued")
	}
}

func TestSyncUnknownCollectionReported(t *testing.T) {
	_, srv := newFakeCouch(t)
	db := newTestDB(t, nil, fastReplication(srv.URL))
	db.replicator.cfg.Collections = []string{"grades", CollectionUsers}

	report, err := db.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := report.Collection("grades"); got == nil || !errors.Is(got.PullErr, ErrUnknownCollection) {
		t.Errorf("grades report = %+v", got)
	}
	if got := report.Collection(CollectionUsers); got == nil || !got.OK() {
		t.Errorf("users report = %+v", got)
	}
}

func TestSyncRoundSurvivesCallerCancel(t *testing.T) {
	couch, srv := newFakeCouch(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	couch.hook = func() {
		once.Do(func() { close(started) })
		<-release
	}
	db := newTestDB(t, nil, fastReplication(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := db.Sync(ctx)
		first <- err
	}()
	<-started
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller got %v", err)
	}

	second := make(chan *SyncReport, 1)
	go func() {
		report, _ := db.Sync(context.Background())
		second <- report
	}()
	close(release)

	select {
	case report := <-second:
		if report == nil || report.Failed() {
			t.Errorf("shared round failed: %v", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
}

func TestSyncRejectsOversizedResponse(t *testing.T) {
	couch, srv := newFakeCouch(t)
	big := map[string]any(validUser())
	big["_id"] = "u1"
	big["schoolName"] = strings.Repeat("x", 4096)
	couch.docs[CollectionUsers] = []map[string]any{big}

	db := newTestDB(t, nil, fastReplication(srv.URL), func(c *Config) {
		c.Replication.MaxResponseBytes = 1024
	})
	report, err := db.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	var ne *NetworkError
	pullErr := report.Collection(CollectionUsers).PullErr
	if !errors.As(pullErr, &ne) || !errors.Is(pullErr, errResponseTooLarge) {
		t.Fatalf("pull error = %v", pullErr)
	}
	if ne.Attempts != 1 {
		t.Errorf("oversized response retried: %d attempts", ne.Attempts)
	}
	if doc, _ := db.Users().FindOne(context.Background(), "u1"); doc != nil {
		t.Error("document from a truncated response stored")
	}
}

func TestFromRemote(t *testing.T) {
	tests := []struct {
		name   string
		raw    map[string]any
		wantID string
		ok     bool
	}{
		{"id from _id", map[string]any{"_id": "a", "_rev": "1"}, "a", true},
		{"id kept", map[string]any{"_id": "a", "id": "b"}, "b", true},
		{"design", map[string]any{"_id": "_design/x"}, "", false},
		{"deleted", map[string]any{"_id": "a", "_deleted": true}, "", false},
		{"no id", map[string]any{"name": "x"}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, ok := fromRemote(tt.raw)
			if ok != tt.ok {
				t.Fatalf("ok = %v", ok)
			}
			if !ok {
				return
			}
			if doc.ID() != tt.wantID {
				t.Errorf("id = %q", doc.ID())
			}
			for k := range doc {
				if k[0] == '_' {
					t.Errorf("underscore field %q kept", k)
				}
			}
		})
	}
	if out := toRemote(Document{"id": "x"}); out["_id"] != "x" {
		t.Errorf("toRemote = %v", out)
	}
}
