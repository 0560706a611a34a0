package gramdb

import (
	"context"
	"testing"
)

func TestMergeProfileEntry(t *testing.T) {
	existing := &Progress{ID: "p1", UserID: "u1", LevelID: "l1", Score: 60, Stars: 1, Timestamp: 1}

	tests := []struct {
		name       string
		existing   *Progress
		in         ProfileEntry
		wantAction MergeAction
		wantScore  float64
		wantStars  int
	}{
		{"insert", nil, ProfileEntry{LevelID: "l1", Score: 40, Stars: 0}, MergeInsert, 40, 0},
		{"higher score", existing, ProfileEntry{LevelID: "l1", Score: 80, Stars: 2}, MergeUpdate, 80, 2},
		{"higher score fewer stars", existing, ProfileEntry{LevelID: "l1", Score: 70, Stars: 0}, MergeUpdate, 70, 1},
		{"lower score more stars", existing, ProfileEntry{LevelID: "l1", Score: 50, Stars: 3}, MergeIgnore, 60, 1},
		{"equal score more stars", existing, ProfileEntry{LevelID: "l1", Score: 60, Stars: 2}, MergeUpdate, 60, 2},
		{"identical", existing, ProfileEntry{LevelID: "l1", Score: 60, Stars: 1}, MergeIgnore, 60, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, action := MergeProfileEntry(tt.existing, "u1", tt.in, 99)
			if action != tt.wantAction {
				t.Errorf("action = %v, want %v", action, tt.wantAction)
			}
			if got.Score != tt.wantScore || got.Stars != tt.wantStars {
				t.Errorf("merged score/stars = %v/%d, want %v/%d", got.Score, got.Stars, tt.wantScore, tt.wantStars)
			}
			if tt.existing != nil && got.ID != tt.existing.ID {
				t.Errorf("id changed from %q to %q", tt.existing.ID, got.ID)
			}
			if tt.existing == nil && (got.ID == "" || got.UserID != "u1") {
				t.Errorf("inserted row = %+v", got)
			}
			if action != MergeIgnore && got.Timestamp != 99 {
				t.Errorf("timestamp = %d, want 99", got.Timestamp)
			}
		})
	}
	if existing.Score != 60 || existing.Stars != 1 {
		t.Error("existing row was modified")
	}
}

func TestMergeProfileEntryMonotonic(t *testing.T) {
	cur := &Progress{ID: "p", UserID: "u", LevelID: "l"}
	inputs := []ProfileEntry{
		{LevelID: "l", Score: 50, Stars: 1}, {LevelID: "l", Score: 20, Stars: 3},
		{LevelID: "l", Score: 90, Stars: 0}, {LevelID: "l", Score: 90, Stars: 2},
		{LevelID: "l", Score: 10, Stars: 0},
	}
	for _, in := range inputs {
		next, _ := MergeProfileEntry(cur, "u", in, 1)
		if next.Score < cur.Score || next.Stars < cur.Stars {
			t.Fatalf("merge lowered %+v to %+v", *cur, next)
		}
		again, action := MergeProfileEntry(&next, "u", in, 1)
		if action != MergeIgnore || again != next {
			t.Fatalf("merge of %+v not idempotent", in)
		}
		cur = &next
	}
	if cur.Score != 90 || cur.Stars != 2 {
		t.Errorf("final = %+v", *cur)
	}
}

func TestMergeReplicaProgress(t *testing.T) {
	local := &Progress{ID: "local", UserID: "u1", LevelID: "l1", Score: 80, Stars: 1, Timestamp: 10}

	got, action := MergeReplicaProgress(local, Progress{ID: "remote", UserID: "u1", LevelID: "l1", Score: 60, Stars: 3, Timestamp: 20})
	if action != MergeUpdate || got.Score != 80 || got.Stars != 3 || got.ID != "local" || got.Timestamp != 20 {
		t.Errorf("merge = %+v %v", got, action)
	}

	_, action = MergeReplicaProgress(local, Progress{ID: "remote", Score: 10, Stars: 0})
	if action != MergeIgnore {
		t.Errorf("lower remote: action = %v", action)
	}

	remote := Progress{ID: "r", UserID: "u1", LevelID: "l9", Score: 5}
	got, action = MergeReplicaProgress(nil, remote)
	if action != MergeInsert || got != remote {
		t.Errorf("insert = %+v %v", got, action)
	}
}

func TestMergeReplicaUser(t *testing.T) {
	local := validUser()
	remote := validUser()
	remote["pinHash"] = ""
	remote["name"] = "Asha Remote"

	got, action := MergeReplicaUser(local, remote)
	if action != MergeUpdate {
		t.Fatalf("action = %v", action)
	}
	if got.String("pinHash") != "abc" || got.String("name") != "Asha Remote" {
		t.Errorf("merged = %v", got)
	}

	_, action = MergeReplicaUser(local, validUser())
	if action != MergeIgnore {
		t.Errorf("identical user: action = %v", action)
	}

	_, action = MergeReplicaUser(nil, remote)
	if action != MergeInsert {
		t.Errorf("new user: action = %v", action)
	}
}

func TestMergeReplace(t *testing.T) {
	a := Document{"id": "c1", "title": "A"}
	b := Document{"id": "c1", "title": "B"}
	if _, action := MergeReplace(nil, a); action != MergeInsert {
		t.Errorf("insert: %v", action)
	}
	if got, action := MergeReplace(a, b); action != MergeUpdate || got.String("title") != "B" {
		t.Errorf("update: %v %v", got, action)
	}
	if _, action := MergeReplace(a, a.Clone()); action != MergeIgnore {
		t.Errorf("identical: %v", action)
	}
}

func TestMergeRemoteProgress(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	_, _ = db.Progress().Insert(ctx, progressDoc("local-1", "u1", "l1", 80, 1))

	stats, err := db.mergeRemote(ctx, CollectionProgress, []Document{
		progressDoc("remote-1", "u1", "l1", 60, 3),
		progressDoc("remote-2", "u1", "l2", 50, 1),
		progressDoc("remote-3", "u1", "l3", 500, 1),
		progressDoc("remote-4", "u1", "l1", 10, 0),
	})
	if err != nil {
		t.Fatalf("mergeRemote: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 1 || stats.Ignored != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.RejectedIDs) != 1 || stats.RejectedIDs[0] != "remote-3" {
		t.Errorf("rejected ids = %v", stats.RejectedIDs)
	}

	rows, _ := db.Progress().Find(ctx, Where(Eq("levelId", "l1")))
	if len(rows) != 1 {
		t.Fatalf("expected one l1 row, got %v", ids(rows))
	}
	if rows[0].ID() != "local-1" || rows[0].Number("score") != 80 || rows[0].Number("stars") != 3 {
		t.Errorf("l1 = %v", rows[0])
	}
}

func TestMergeRemoteUsersKeepsPin(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	_, _ = db.Users().Insert(ctx, validUser())
	_, seqs := db.Users().pendingPush()
	db.Users().clearPushed(ctx, seqs)

	remote := validUser()
	delete(remote, "pinHash")
	remote["schoolName"] = "ZP School"
	noPin := Document{"id": "u2", "name": "B", "avatarId": "b", "role": RoleStudent, "createdAt": 1}

	stats, err := db.mergeRemote(ctx, CollectionUsers, []Document{remote, noPin})
	if err != nil {
		t.Fatalf("mergeRemote: %v", err)
	}
	if stats.Updated != 1 || stats.Rejected != 1 {
		t.Errorf("stats = %+v", stats)
	}
	doc, _ := db.Users().FindOne(ctx, "u1")
	if doc.String("pinHash") != "abc" || doc.String("schoolName") != "ZP School" {
		t.Errorf("merged user = %v", doc)
	}
}

func TestMergeRemoteKeepsPendingLocalChanges(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	stale := validUser()
	_, _ = db.Users().Insert(ctx, stale)
	if _, err := db.Users().Patch(ctx, "u1", map[string]any{"teacherClassId": "class-7"}); err != nil {
		t.Fatal(err)
	}

	stats, err := db.mergeRemote(ctx, CollectionUsers, []Document{stale})
	if err != nil {
		t.Fatalf("mergeRemote: %v", err)
	}
	if stats.Ignored != 1 || stats.Changed() != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if doc, _ := db.Users().FindOne(ctx, "u1"); doc.String("teacherClassId") != "class-7" {
		t.Errorf("local edit overwritten: %v", doc)
	}
	if db.Users().PendingCount() != 1 {
		t.Error("local edit dropped from the push queue")
	}

	_, seqs := db.Users().pendingPush()
	db.Users().clearPushed(ctx, seqs)
	if stats, _ := db.mergeRemote(ctx, CollectionUsers, []Document{stale}); stats.Updated != 1 {
		t.Errorf("replica copy not applied once pushed: %+v", stats)
	}
}

func TestMergeRemoteFoldsDuplicateLevels(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)

	stats, err := db.mergeRemote(ctx, CollectionProgress, []Document{
		progressDoc("a", "u1", "l1", 50, 1),
		progressDoc("b", "u1", "l1", 70, 2),
		progressDoc("c", "u1", "l1", 90, 0),
	})
	if err != nil {
		t.Fatalf("mergeRemote: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 2 {
		t.Errorf("stats = %+v", stats)
	}
	rows, _ := db.Progress().Find(ctx, Where(Eq("userId", "u1"), Eq("levelId", "l1")))
	if len(rows) != 1 {
		t.Fatalf("rows for (u1,l1) = %v", ids(rows))
	}
	if rows[0].ID() != "a" || rows[0].Number("score") != 90 || rows[0].Number("stars") != 2 {
		t.Errorf("row = %v", rows[0])
	}
}

func TestMergeRemoteIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	batch := []Document{
		{"id": "s1", "type": ContentSubject, "title": "Maths", "createdAt": 1},
		{"id": "s2", "type": ContentSubject, "title": "Science", "createdAt": 1},
	}
	first, _ := db.mergeRemote(ctx, CollectionContent, batch)
	second, _ := db.mergeRemote(ctx, CollectionContent, batch)
	if first.Inserted != 2 {
		t.Errorf("first = %+v", first)
	}
	if second.Changed() != 0 || second.Ignored != 2 {
		t.Errorf("second = %+v", second)
	}
}
