package gramdb

import (
	"context"
	"fmt"
)

// ImportResult summarizes a peer payload import.
type ImportResult struct {
	Type           string `json:"type"`
	SharerName     string `json:"sharerName"`
	LevelsInserted int    `json:"levelsInserted,omitempty"`
	LevelsUpdated  int    `json:"levelsUpdated,omitempty"`
	StarsGained    int    `json:"starsGained,omitempty"`
	ItemsImported  int    `json:"itemsImported,omitempty"`
	ItemsRejected  int    `json:"itemsRejected,omitempty"`
	Message        string `json:"message"`
}

// LevelsChanged is the number of progress rows inserted or raised.
func (r *ImportResult) LevelsChanged() int { return r.LevelsInserted + r.LevelsUpdated }

// Codec returns the payload codec configured for this database.
func (db *DB) Codec() *Codec {
	return NewCodec(db.config.Payload.SoftLimit, db.logger)
}

// ExportProfile encodes a user's progress for a peer. Teachers also share
// their name as tn; a non-empty phone is shared as tp.
func (db *DB) ExportProfile(ctx context.Context, userID string) (string, error) {
	p, err := db.ProfilePayloadFor(ctx, userID)
	if err != nil {
		return "", err
	}
	return db.Codec().Encode(p)
}

// ProfilePayloadFor builds the profile payload of a user without encoding it.
func (db *DB) ProfilePayloadFor(ctx context.Context, userID string) (*ProfilePayload, error) {
	user, err := db.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows, err := db.Progress().Query(ctx, Query{Selector: Where(Eq("userId", userID)), SortBy: "levelId"})
	if err != nil {
		return nil, err
	}

	p := &ProfilePayload{
		Type:         PayloadProfile,
		UserID:       user.ID,
		Name:         user.Name,
		TeacherPhone: user.Phone,
		Progress:     make([]ProfileEntry, 0, len(rows)),
	}
	if user.IsTeacher() {
		p.TeacherName = user.Name
	}
	for _, doc := range rows {
		row, err := ProgressFromDocument(doc)
		if err != nil {
			return nil, err
		}
		p.Progress = append(p.Progress, ProfileEntry{LevelID: row.LevelID, Score: row.Score, Stars: row.Stars})
	}
	return p, nil
}

// ExportContent encodes the given content items for a peer. Unknown ids are
// skipped.
func (db *DB) ExportContent(ctx context.Context, userID string, contentIDs []string) (string, error) {
	user, err := db.userByID(ctx, userID)
	if err != nil {
		return "", err
	}
	ids := make([]any, len(contentIDs))
	for i, id := range contentIDs {
		ids[i] = id
	}
	items, err := db.Content().Find(ctx, Where(In("id", ids...)))
	if err != nil {
		return "", err
	}
	return db.Codec().Encode(&ContentPayload{
		Type:   PayloadContent,
		UserID: user.ID,
		Name:   user.Name,
		Items:  items,
	})
}

// ImportPayload decodes payload text and merges it into the active user.
func (db *DB) ImportPayload(ctx context.Context, token string) (*ImportResult, error) {
	p, err := db.Codec().Decode(token)
	if err != nil {
		return nil, err
	}
	return db.ApplyPayload(ctx, p)
}

// ApplyPayload merges an already decoded payload. Profile entries are copied
// into the active local user, not the sharer: the payload is progress the
// same person made on another device. On success an activity entry is
// logged and today is marked present.
func (db *DB) ApplyPayload(ctx context.Context, p Payload) (*ImportResult, error) {
	var (
		res *ImportResult
		err error
	)
	switch v := p.(type) {
	case *ProfilePayload:
		var active string
		active, err = db.side.ActiveUser(ctx)
		if err != nil {
			return nil, err
		}
		if active == "" {
			return nil, ErrNoActiveUser
		}
		res, err = db.mergeProfile(ctx, active, v)
	case *ContentPayload:
		res, err = db.mergeContent(ctx, v)
	default:
		return nil, &InvalidPayloadError{Reason: fmt.Sprintf("unsupported payload %T", p)}
	}
	if err != nil {
		return nil, err
	}
	db.recordImport(ctx, p)
	return res, nil
}

func (db *DB) mergeProfile(ctx context.Context, userID string, p *ProfilePayload) (*ImportResult, error) {
	res := &ImportResult{Type: PayloadProfile, SharerName: p.Name}
	now := db.now().UnixMilli()

	_, err := db.Progress().merge(ctx, originLocal, func(find func(Selector) []Document) ([]Document, error) {
		seen := make(map[string]*Progress)
		queued := make(map[string]bool)
		var order []string
		for _, in := range p.Progress {
			if in.LevelID == "" || in.Score < 0 || in.Score > 100 || in.Stars < 0 || in.Stars > 3 {
				db.logger.Warn("skipping malformed profile entry", "level", in.LevelID, "score", in.Score, "stars", in.Stars)
				continue
			}
			existing, ok := seen[in.LevelID]
			if !ok {
				if rows := find(Where(Eq("userId", userID), Eq("levelId", in.LevelID))); len(rows) > 0 {
					row, err := ProgressFromDocument(rows[0])
					if err != nil {
						return nil, err
					}
					existing = &row
				}
			}
			oldStars := 0
			if existing != nil {
				oldStars = existing.Stars
			}
			merged, action := MergeProfileEntry(existing, userID, in, now)
			switch action {
			case MergeInsert:
				res.LevelsInserted++
			case MergeUpdate:
				res.LevelsUpdated++
			default:
				seen[in.LevelID] = existing
				continue
			}
			res.StarsGained += merged.Stars - oldStars
			if !queued[in.LevelID] {
				queued[in.LevelID] = true
				order = append(order, in.LevelID)
			}
			seen[in.LevelID] = &merged
		}

		writes := make([]Document, 0, len(order))
		for _, level := range order {
			doc, err := toDocument(*seen[level])
			if err != nil {
				return nil, err
			}
			writes = append(writes, doc)
		}
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("Synced %d levels from %s", res.LevelsChanged(), p.Name)
	return res, nil
}

func (db *DB) mergeContent(ctx context.Context, p *ContentPayload) (*ImportResult, error) {
	res := &ImportResult{Type: PayloadContent, SharerName: p.Name}
	coll := db.Content()

	_, err := coll.merge(ctx, originLocal, func(find func(Selector) []Document) ([]Document, error) {
		var writes []Document
		index := make(map[string]int)
		for _, item := range p.Items {
			doc, err := normalizeDocument(item)
			if err == nil {
				err = coll.schema.Validate(doc)
			}
			if err != nil {
				db.logger.Warn("skipping shared content item", "id", item.ID(), "err", err)
				res.ItemsRejected++
				continue
			}
			res.ItemsImported++
			if i, ok := index[doc.ID()]; ok {
				writes[i] = doc
				continue
			}
			var existing Document
			if found := find(Where(Eq("id", doc.ID()))); len(found) > 0 {
				existing = found[0]
			}
			if _, action := MergeReplace(existing, doc); action == MergeIgnore {
				continue
			}
			index[doc.ID()] = len(writes)
			writes = append(writes, doc)
		}
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("Imported %d items from %s", res.ItemsImported, p.Name)
	return res, nil
}

// recordImport appends the activity entry and marks attendance. Failures
// are logged; the merge itself already succeeded.
func (db *DB) recordImport(ctx context.Context, p Payload) {
	now := db.now()
	entry := ActivityEntry{
		ID:    now.UnixMilli(),
		Date:  now.Format("2006-01-02 15:04"),
		Phone: "N/A",
	}
	switch v := p.(type) {
	case *ProfilePayload:
		entry.Type = "Progress"
		entry.Title = "Check-in Sync"
		if len(v.Progress) > 0 {
			entry.Title = "Synced Progress"
		}
		entry.Teacher = v.Name
		if v.TeacherName != "" {
			entry.Teacher = v.TeacherName
		}
		if v.TeacherPhone != "" {
			entry.Phone = v.TeacherPhone
		}
	case *ContentPayload:
		entry.Type = "Content"
		entry.Title = fmt.Sprintf("Received %d Resources", len(v.Items))
		entry.Teacher = v.Name
	}

	if err := db.side.AppendActivity(ctx, entry); err != nil {
		db.logger.Warn("failed to record activity", "err", err)
	}
	if _, err := db.side.MarkAttendance(ctx, now); err != nil {
		db.logger.Warn("failed to mark attendance", "err", err)
	}
}
