package gramdb

import (
	"context"
	"errors"
	"testing"
)

func sequenceCodes(codes ...string) func(*Config) {
	return func(cfg *Config) {
		i := 0
		cfg.JoinCode = func() (string, error) {
			code := codes[i%len(codes)]
			i++
			return code, nil
		}
	}
}

func signupTeacher(t *testing.T, db *DB) User {
	t.Helper()
	u, err := db.Signup(context.Background(), SignupRequest{Name: "Mrs. Joshi", Role: RoleTeacher, PIN: "1111"})
	if err != nil {
		t.Fatalf("signup teacher: %v", err)
	}
	return u
}

func TestCreateClassUniqueCode(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil, sequenceCodes("AAAAAA", "AAAAAA", "BBBBBB"))
	teacher := signupTeacher(t, db)

	first, err := db.CreateClass(ctx, teacher.ID, " 7A ", "7", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Code != "AAAAAA" || first.Name != "7A" || first.Medium != MediumEnglish {
		t.Errorf("first = %+v", first)
	}
	second, err := db.CreateClass(ctx, teacher.ID, "7B", "7", MediumMarathi)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Code != "BBBBBB" {
		t.Errorf("second code = %q, want BBBBBB", second.Code)
	}

	classes, err := db.ClassesForTeacher(ctx, teacher.ID)
	if err != nil || len(classes) != 2 {
		t.Errorf("ClassesForTeacher = %+v, %v", classes, err)
	}
}

func TestCreateClassExhaustsCodes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil, sequenceCodes("AAAAAA"))
	teacher := signupTeacher(t, db)
	if _, err := db.CreateClass(ctx, teacher.ID, "7A", "7", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.CreateClass(ctx, teacher.ID, "7B", "7", ""); err == nil {
		t.Error("expected an error when every generated code is taken")
	}
}

func TestCreateClassRequiresTeacher(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	student := signupStudent(t, db, "S")
	if _, err := db.CreateClass(ctx, student.ID, "7A", "7", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	teacher := signupTeacher(t, db)
	if _, err := db.CreateClass(ctx, teacher.ID, "  ", "7", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty name, got %v", err)
	}
}

func TestJoinClass(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil, sequenceCodes("KQ7M2P"))
	teacher := signupTeacher(t, db)
	class, _ := db.CreateClass(ctx, teacher.ID, "7A", "7", "")
	student := signupStudent(t, db, "S")

	joined, err := db.JoinClass(ctx, student.ID, " kq7m2p ")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.ID != class.ID {
		t.Errorf("joined %q, want %q", joined.ID, class.ID)
	}
	doc, _ := db.Users().FindOne(ctx, student.ID)
	if doc.String("teacherClassId") != class.ID {
		t.Errorf("teacherClassId = %v", doc["teacherClassId"])
	}

	if _, err := db.JoinClass(ctx, student.ID, "ZZZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := db.DeleteClass(ctx, class.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.ClassByCode(ctx, "KQ7M2P"); !errors.Is(err, ErrNotFound) {
		t.Errorf("class still found after delete: %v", err)
	}
}
