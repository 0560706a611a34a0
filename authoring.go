package gramdb

import (
	"context"
)

// SaveContent creates or replaces a content item. A missing id is
// generated; createdAt is kept for existing items and updatedAt is stamped.
func (db *DB) SaveContent(ctx context.Context, c Content) (Content, error) {
	now := db.now().UnixMilli()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = now
		if existing, err := db.Content().FindOne(ctx, c.ID); err != nil {
			return Content{}, err
		} else if existing != nil {
			if created := int64(existing.Number("createdAt")); created > 0 {
				c.CreatedAt = created
			}
		}
	}
	c.UpdatedAt = now
	if c.Medium == "" {
		c.Medium = MediumEnglish
	}
	if c.Data == nil {
		c.Data, _ = decodeContentData(c.Type, nil)
	}

	doc, err := db.Content().Upsert(ctx, c)
	if err != nil {
		return Content{}, err
	}
	return ContentFromDocument(doc)
}

// DeleteContent removes a content item.
func (db *DB) DeleteContent(ctx context.Context, id string) error {
	return db.Content().Remove(ctx, id)
}

// ContentForClass lists the items of a class, oldest first. An empty
// contentType returns every type.
func (db *DB) ContentForClass(ctx context.Context, classID, contentType string) ([]Content, error) {
	sel := Where(Eq("classId", classID))
	if contentType != "" {
		sel = append(sel, Eq("type", contentType))
	}
	return db.findContent(ctx, Query{Selector: sel, SortBy: "createdAt"})
}

// Homework lists homework items for a user's grade or joined class.
func (db *DB) Homework(ctx context.Context, userID string) ([]Content, error) {
	u, err := db.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	var classes []any
	if u.ClassID != nil && *u.ClassID != "" {
		classes = append(classes, *u.ClassID)
	}
	if u.TeacherClassID != "" {
		classes = append(classes, u.TeacherClassID)
	}
	if len(classes) == 0 {
		return []Content{}, nil
	}
	return db.findContent(ctx, Query{
		Selector: Where(Eq("isHomework", true), In("classId", classes...)),
		SortBy:   "createdAt",
	})
}

func (db *DB) findContent(ctx context.Context, q Query) ([]Content, error) {
	docs, err := db.Content().Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]Content, 0, len(docs))
	for _, doc := range docs {
		c, err := ContentFromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
