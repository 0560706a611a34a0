package gramdb

import (
	"context"
	"fmt"
	"strings"
)

const maxJoinCodeAttempts = 16

// CreateClass creates a class owned by a teacher with a join code no other
// local class uses.
func (db *DB) CreateClass(ctx context.Context, teacherID, name, standard, medium string) (Class, error) {
	teacher, err := db.userByID(ctx, teacherID)
	if err != nil {
		return Class{}, err
	}
	if !teacher.IsTeacher() {
		return Class{}, newValidationError(CollectionClasses, "teacherId", "user %s is not a teacher", teacherID)
	}
	if strings.TrimSpace(name) == "" {
		return Class{}, newValidationError(CollectionClasses, "name", "is required")
	}
	if medium == "" {
		medium = MediumEnglish
	}

	code, err := db.uniqueJoinCode(ctx)
	if err != nil {
		return Class{}, err
	}
	c := Class{
		ID:        newID(),
		Name:      strings.TrimSpace(name),
		Standard:  standard,
		Medium:    medium,
		TeacherID: teacherID,
		Code:      code,
		CreatedAt: db.now().UnixMilli(),
	}
	if _, err := db.Classes().Insert(ctx, c); err != nil {
		return Class{}, err
	}
	return c, nil
}

func (db *DB) uniqueJoinCode(ctx context.Context) (string, error) {
	for range maxJoinCodeAttempts {
		code, err := db.config.JoinCode()
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		n, err := db.Classes().Count(ctx, Where(Eq("code", code)))
		if err != nil {
			return "", err
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unused join code after %d attempts", maxJoinCodeAttempts)
}

// ClassByCode finds a class by join code, ignoring case and surrounding
// whitespace.
func (db *DB) ClassByCode(ctx context.Context, code string) (Class, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	docs, err := db.Classes().Find(ctx, Where(Eq("code", code)))
	if err != nil {
		return Class{}, err
	}
	if len(docs) == 0 {
		return Class{}, &NotFoundError{Collection: CollectionClasses, ID: code}
	}
	return ClassFromDocument(docs[0])
}

// ClassesForTeacher lists the classes a teacher owns, oldest first.
func (db *DB) ClassesForTeacher(ctx context.Context, teacherID string) ([]Class, error) {
	docs, err := db.Classes().Query(ctx, Query{Selector: Where(Eq("teacherId", teacherID)), SortBy: "createdAt"})
	if err != nil {
		return nil, err
	}
	out := make([]Class, 0, len(docs))
	for _, doc := range docs {
		c, err := ClassFromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// JoinClass links a student to the class with the given join code.
func (db *DB) JoinClass(ctx context.Context, userID, code string) (Class, error) {
	class, err := db.ClassByCode(ctx, code)
	if err != nil {
		return Class{}, err
	}
	if _, err := db.Users().Patch(ctx, userID, map[string]any{"teacherClassId": class.ID}); err != nil {
		return Class{}, err
	}
	return class, nil
}

// DeleteClass removes a class. Students keep their teacherClassId.
func (db *DB) DeleteClass(ctx context.Context, id string) error {
	return db.Classes().Remove(ctx, id)
}
