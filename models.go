package gramdb

import (
	"encoding/json"
	"fmt"
)

// Collection names.
const (
	CollectionUsers    = "users"
	CollectionProgress = "progress"
	CollectionContent  = "content"
	CollectionClasses  = "classes"
)

// Roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Media of instruction.
const (
	MediumEnglish = "english"
	MediumMarathi = "marathi"
)

// User is a student or teacher profile stored on this device.
type User struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Role           string  `json:"role"`
	AvatarID       string  `json:"avatarId"`
	PinHash        string  `json:"pinHash"`
	ClassID        *string `json:"classId"`
	TeacherClassID string  `json:"teacherClassId,omitempty"`
	Medium         string  `json:"medium,omitempty"`
	Birthdate      string  `json:"birthdate,omitempty"`
	RollNo         string  `json:"rollNo,omitempty"`
	SchoolName     string  `json:"schoolName,omitempty"`
	VillageName    string  `json:"villageName,omitempty"`
	State          string  `json:"state,omitempty"`
	Country        string  `json:"country,omitempty"`
	Phone          string  `json:"phone,omitempty"`
	CreatedAt      int64   `json:"createdAt"`
}

// IsTeacher reports whether the user owns classes.
func (u User) IsTeacher() bool { return u.Role == RoleTeacher }

// Progress records one user's best result on one level.
type Progress struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	LevelID   string  `json:"levelId"`
	Score     float64 `json:"score"`
	Stars     int     `json:"stars"`
	Timestamp int64   `json:"timestamp"`
}

// Class is a teacher-owned group that students join with a short code.
type Class struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Standard  string `json:"standard,omitempty"`
	Medium    string `json:"medium,omitempty"`
	TeacherID string `json:"teacherId"`
	Code      string `json:"code,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Content types.
const (
	ContentSubject = "subject"
	ContentModule  = "module"
	ContentText    = "text"
	ContentLesson  = "lesson"
	ContentQuiz    = "quiz"
)

// Content is a curriculum item. Data holds the variant selected by Type.
type Content struct {
	ID          string
	Type        string
	Title       string
	Thumbnail   string
	Description string
	ClassID     *string
	SubjectID   string
	ModuleID    string
	Medium      string
	IsHomework  bool
	TeacherID   string
	CreatedAt   int64
	UpdatedAt   int64
	Data        ContentData
}

// ContentData is the type-dependent payload of a Content item.
type ContentData interface {
	contentKind() string
}

// QuizData holds the ordered questions of a quiz.
type QuizData struct {
	Questions []Question `json:"questions"`
}

// Question is a single multiple-choice item. CorrectAnswer indexes Options.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
}

// LessonData holds the body of a text or lesson item.
type LessonData struct {
	Content      string            `json:"content,omitempty"`
	Translations map[string]string `json:"translations"`
	Attachments  []Attachment      `json:"attachments"`
}

// Attachment is an inline file carried with a lesson.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"type"`
	Base64   string `json:"data"`
}

// NoData is the payload of subjects and modules.
type NoData struct{}

func (QuizData) contentKind() string   { return ContentQuiz }
func (LessonData) contentKind() string { return ContentLesson }
func (NoData) contentKind() string     { return ContentSubject }

type contentJSON struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	Description string          `json:"description,omitempty"`
	ClassID     *string         `json:"classId,omitempty"`
	SubjectID   string          `json:"subjectId,omitempty"`
	ModuleID    string          `json:"moduleId,omitempty"`
	Medium      string          `json:"medium,omitempty"`
	IsHomework  bool            `json:"isHomework,omitempty"`
	TeacherID   string          `json:"teacherId,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the wire shape with data nested under "data".
func (c Content) MarshalJSON() ([]byte, error) {
	out := contentJSON{
		ID:          c.ID,
		Type:        c.Type,
		Title:       c.Title,
		Thumbnail:   c.Thumbnail,
		Description: c.Description,
		ClassID:     c.ClassID,
		SubjectID:   c.SubjectID,
		ModuleID:    c.ModuleID,
		Medium:      c.Medium,
		IsHomework:  c.IsHomework,
		TeacherID:   c.TeacherID,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	switch d := c.Data.(type) {
	case nil, NoData:
	case QuizData, LessonData:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		out.Data = raw
	default:
		return nil, fmt.Errorf("unsupported content data %T", c.Data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes data into the variant selected by type.
func (c *Content) UnmarshalJSON(b []byte) error {
	var in contentJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	data, err := decodeContentData(in.Type, in.Data)
	if err != nil {
		return err
	}
	*c = Content{
		ID:          in.ID,
		Type:        in.Type,
		Title:       in.Title,
		Thumbnail:   in.Thumbnail,
		Description: in.Description,
		ClassID:     in.ClassID,
		SubjectID:   in.SubjectID,
		ModuleID:    in.ModuleID,
		Medium:      in.Medium,
		IsHomework:  in.IsHomework,
		TeacherID:   in.TeacherID,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
		Data:        data,
	}
	return nil
}

func decodeContentData(kind string, raw json.RawMessage) (ContentData, error) {
	switch kind {
	case ContentQuiz:
		var q QuizData
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &q); err != nil {
				return nil, fmt.Errorf("quiz data: %w", err)
			}
		}
		return q, nil
	case ContentText, ContentLesson:
		var l LessonData
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &l); err != nil {
				return nil, fmt.Errorf("lesson data: %w", err)
			}
		}
		return l, nil
	default:
		return NoData{}, nil
	}
}

// Document converts a typed entity into its stored form.
func toDocument(v any) (Document, error) {
	return normalizeDocument(v)
}

// UserFromDocument decodes a stored user.
func UserFromDocument(doc Document) (User, error) {
	var u User
	err := decodeInto(doc, &u)
	return u, err
}

// ProgressFromDocument decodes a stored progress row.
func ProgressFromDocument(doc Document) (Progress, error) {
	var p Progress
	err := decodeInto(doc, &p)
	return p, err
}

// ContentFromDocument decodes a stored content item.
func ContentFromDocument(doc Document) (Content, error) {
	var c Content
	err := decodeInto(doc, &c)
	return c, err
}

// ClassFromDocument decodes a stored class.
func ClassFromDocument(doc Document) (Class, error) {
	var c Class
	err := decodeInto(doc, &c)
	return c, err
}
