package gramdb

import (
	"context"
	"testing"
	"time"
)

func TestSaveContent(t *testing.T) {
	ctx := context.Background()
	now := testEpoch
	db := newTestDB(t, nil, func(cfg *Config) {
		cfg.Now = func() time.Time { return now }
	})

	saved, err := db.SaveContent(ctx, Content{Type: ContentLesson, Title: "Plants"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == "" || saved.Medium != MediumEnglish || saved.CreatedAt != testEpoch.UnixMilli() {
		t.Errorf("saved = %+v", saved)
	}
	if _, ok := saved.Data.(LessonData); !ok {
		t.Errorf("data = %T, want LessonData", saved.Data)
	}

	now = testEpoch.Add(time.Hour)
	saved.Title = "Plants and Trees"
	saved.CreatedAt = 0
	updated, err := db.SaveContent(ctx, saved)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.CreatedAt != testEpoch.UnixMilli() || updated.UpdatedAt != now.UnixMilli() {
		t.Errorf("timestamps = %d/%d", updated.CreatedAt, updated.UpdatedAt)
	}
	if n, _ := db.Content().Count(ctx, nil); n != 1 {
		t.Errorf("expected 1 item, got %d", n)
	}

	if err := db.DeleteContent(ctx, saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := db.Content().Count(ctx, nil); n != 0 {
		t.Errorf("expected 0 items, got %d", n)
	}
}

func TestSaveContentRejectsBadQuiz(t *testing.T) {
	db := newTestDB(t, nil)
	_, err := db.SaveContent(context.Background(), Content{Type: ContentQuiz, Title: "Q", Data: QuizData{Questions: []Question{
		{Options: []string{"a", "b"}, CorrectAnswer: 2},
	}}})
	if err == nil {
		t.Error("expected validation error for out-of-range answer")
	}
}

func TestContentForClassAndHomework(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, nil)
	seven, classA := "7", "class-a"
	items := []Content{
		{ID: "c1", Type: ContentQuiz, Title: "Q7", ClassID: &seven, IsHomework: true, CreatedAt: 3},
		{ID: "c2", Type: ContentLesson, Title: "L7", ClassID: &seven, CreatedAt: 1},
		{ID: "c3", Type: ContentQuiz, Title: "QA", ClassID: &classA, IsHomework: true, CreatedAt: 2},
		{ID: "c4", Type: ContentQuiz, Title: "Q8", IsHomework: true, CreatedAt: 4},
	}
	for _, c := range items {
		if _, err := db.SaveContent(ctx, c); err != nil {
			t.Fatalf("save %s: %v", c.ID, err)
		}
	}

	all, err := db.ContentForClass(ctx, "7", "")
	if err != nil {
		t.Fatalf("ContentForClass: %v", err)
	}
	if len(all) != 2 || all[0].ID != "c2" || all[1].ID != "c1" {
		t.Errorf("class 7 = %+v", all)
	}
	quizzes, _ := db.ContentForClass(ctx, "7", ContentQuiz)
	if len(quizzes) != 1 || quizzes[0].ID != "c1" {
		t.Errorf("class 7 quizzes = %+v", quizzes)
	}

	student, _ := db.Signup(ctx, SignupRequest{Name: "S", PIN: "1", ClassID: "7", TeacherClassID: "class-a"})
	hw, err := db.Homework(ctx, student.ID)
	if err != nil {
		t.Fatalf("Homework: %v", err)
	}
	if len(hw) != 2 || hw[0].ID != "c3" || hw[1].ID != "c1" {
		t.Errorf("homework = %+v", hw)
	}

	loner, _ := db.Signup(ctx, SignupRequest{Name: "L", PIN: "1"})
	hw, _ = db.Homework(ctx, loner.ID)
	if len(hw) != 0 {
		t.Errorf("homework without class = %+v", hw)
	}
}
