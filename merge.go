package gramdb

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// MergeAction is the outcome of reconciling one incoming record.
type MergeAction int

const (
	MergeIgnore MergeAction = iota
	MergeInsert
	MergeUpdate
)

func (a MergeAction) String() string {
	switch a {
	case MergeInsert:
		return "insert"
	case MergeUpdate:
		return "update"
	default:
		return "ignore"
	}
}

// MergeProfileEntry applies the peer profile policy to one level result.
// Without a local row the entry is inserted as is. A strictly higher
// incoming score replaces the score and raises stars to the maximum; an
// equal score may still raise stars. Nothing ever moves downward.
func MergeProfileEntry(existing *Progress, userID string, in ProfileEntry, now int64) (Progress, MergeAction) {
	if existing == nil {
		return Progress{
			ID:        uuid.NewString(),
			UserID:    userID,
			LevelID:   in.LevelID,
			Score:     in.Score,
			Stars:     in.Stars,
			Timestamp: now,
		}, MergeInsert
	}
	out := *existing
	switch {
	case in.Score > existing.Score:
		out.Score = in.Score
		out.Stars = max(in.Stars, existing.Stars)
	case in.Score == existing.Score && in.Stars > existing.Stars:
		out.Stars = in.Stars
	default:
		return out, MergeIgnore
	}
	out.Timestamp = now
	return out, MergeUpdate
}

// MergeReplicaProgress reconciles a progress row pulled from a replica with
// the local row for the same level. Score and stars take the maximum of
// both sides independently and the local id is kept.
func MergeReplicaProgress(existing *Progress, remote Progress) (Progress, MergeAction) {
	if existing == nil {
		return remote, MergeInsert
	}
	out := *existing
	changed := false
	if remote.Score > out.Score {
		out.Score = remote.Score
		changed = true
	}
	if remote.Stars > out.Stars {
		out.Stars = remote.Stars
		changed = true
	}
	if !changed {
		return out, MergeIgnore
	}
	out.Timestamp = max(existing.Timestamp, remote.Timestamp)
	return out, MergeUpdate
}

// MergeReplicaUser lets the remote profile win while keeping a local PIN
// hash the remote copy lacks.
func MergeReplicaUser(existing, remote Document) (Document, MergeAction) {
	out := remote.Clone()
	if existing == nil {
		return out, MergeInsert
	}
	if out.String("pinHash") == "" && existing.String("pinHash") != "" {
		out["pinHash"] = existing["pinHash"]
	}
	if reflect.DeepEqual(map[string]any(existing), map[string]any(out)) {
		return existing, MergeIgnore
	}
	return out, MergeUpdate
}

// MergeReplace is the importer-wins policy used for content and classes:
// a full overwrite keyed by id.
func MergeReplace(existing, incoming Document) (Document, MergeAction) {
	out := incoming.Clone()
	if existing == nil {
		return out, MergeInsert
	}
	if reflect.DeepEqual(map[string]any(existing), map[string]any(out)) {
		return existing, MergeIgnore
	}
	return out, MergeUpdate
}

// MergeStats counts the outcomes of a merge batch.
type MergeStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Rejected int `json:"rejected"`

	// RejectedIDs lists the ids of rejected documents.
	RejectedIDs []string `json:"rejectedIds,omitempty"`
}

func (s *MergeStats) reject(id string) {
	s.Rejected++
	s.RejectedIDs = append(s.RejectedIDs, id)
}

func (s *MergeStats) record(a MergeAction) {
	switch a {
	case MergeInsert:
		s.Inserted++
	case MergeUpdate:
		s.Updated++
	default:
		s.Ignored++
	}
}

// Changed returns the number of documents written.
func (s MergeStats) Changed() int { return s.Inserted + s.Updated }

// mergeRemote reconciles documents received from a replica (a network pull
// or a _bulk_docs request). Documents that fail validation are skipped and
// counted as rejected. A document with local changes still queued for push
// is not overwritten; progress rows are exempt because their merge only
// raises values. Later rows of the batch see the writes of earlier ones, so
// two replica rows for the same level fold into one.
func (db *DB) mergeRemote(ctx context.Context, collection string, docs []Document) (MergeStats, error) {
	var stats MergeStats
	coll, err := db.Collection(collection)
	if err != nil {
		return stats, err
	}

	_, err = coll.merge(ctx, originRemote, func(find func(Selector) []Document) ([]Document, error) {
		var writes []Document
		pos := make(map[string]int)
		batchFind := func(sel Selector) []Document {
			var out []Document
			for _, w := range writes {
				if sel.Matches(w) {
					out = append(out, w)
				}
			}
			if len(out) > 0 {
				return out
			}
			return find(sel)
		}

		for _, doc := range docs {
			if err := coll.schema.Validate(doc); err != nil && collection != CollectionUsers {
				db.logger.Warn("rejected replica document", "collection", collection, "id", doc.ID(), "err", err)
				stats.reject(doc.ID())
				continue
			}
			if collection != CollectionProgress && coll.pendingLocked(doc.ID()) {
				db.logger.Debug("kept local document awaiting push", "collection", collection, "id", doc.ID())
				stats.record(MergeIgnore)
				continue
			}
			out, action, err := db.reconcile(collection, batchFind, doc)
			if err != nil {
				db.logger.Warn("rejected replica document", "collection", collection, "id", doc.ID(), "err", err)
				stats.reject(doc.ID())
				continue
			}
			if action != MergeIgnore {
				if err := coll.schema.Validate(out); err != nil {
					db.logger.Warn("rejected replica document", "collection", collection, "id", doc.ID(), "err", err)
					stats.reject(doc.ID())
					continue
				}
				if i, ok := pos[out.ID()]; ok {
					writes[i] = out
				} else {
					pos[out.ID()] = len(writes)
					writes = append(writes, out)
				}
			}
			stats.record(action)
		}
		return writes, nil
	})
	return stats, err
}

func (db *DB) reconcile(collection string, find func(Selector) []Document, doc Document) (Document, MergeAction, error) {
	byID := func(id string) Document {
		if found := find(Where(Eq("id", id))); len(found) > 0 {
			return found[0]
		}
		return nil
	}

	switch collection {
	case CollectionUsers:
		out, action := MergeReplicaUser(byID(doc.ID()), doc)
		return out, action, nil
	case CollectionProgress:
		remote, err := ProgressFromDocument(doc)
		if err != nil {
			return nil, MergeIgnore, err
		}
		local := byID(remote.ID)
		if local == nil {
			if found := find(Where(Eq("userId", remote.UserID), Eq("levelId", remote.LevelID))); len(found) > 0 {
				local = found[0]
			}
		}
		var existing *Progress
		if local != nil {
			p, err := ProgressFromDocument(local)
			if err != nil {
				return nil, MergeIgnore, err
			}
			existing = &p
		}
		merged, action := MergeReplicaProgress(existing, remote)
		if action == MergeIgnore {
			return nil, action, nil
		}
		out, err := toDocument(merged)
		return out, action, err
	default:
		out, action := MergeReplace(byID(doc.ID()), doc)
		return out, action, nil
	}
}
