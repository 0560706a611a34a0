package gramdb

import (
	"fmt"
	"math"
	"sort"
)

// FieldType enumerates JSON value types a schema field may take.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldInteger
	FieldBool
	FieldObject
	FieldArray
)

// String returns the JSON-schema name of the field type.
func (ft FieldType) String() string {
	switch ft {
	case FieldString:
		return "string"
	case FieldNumber:
		return "number"
	case FieldInteger:
		return "integer"
	case FieldBool:
		return "boolean"
	case FieldObject:
		return "object"
	case FieldArray:
		return "array"
	default:
		return "unknown"
	}
}

// FieldSchema constrains a single top-level document field.
type FieldSchema struct {
	Type      FieldType
	Enum      []string
	MaxLength int
	Min       *float64
	Max       *float64
	// Nullable accepts an explicit JSON null in place of a value.
	Nullable bool
}

// CollectionSchema describes the current shape of one collection.
type CollectionSchema struct {
	Name     string
	Version  int
	Fields   map[string]FieldSchema
	Required []string
	// Check runs collection-specific rules after the field checks.
	Check func(doc Document) error
}

func floatPtr(f float64) *float64 { return &f }

var schemas = map[string]*CollectionSchema{
	CollectionUsers: {
		Name:    CollectionUsers,
		Version: 7,
		Fields: map[string]FieldSchema{
			"id":             {Type: FieldString, MaxLength: 100},
			"name":           {Type: FieldString},
			"avatarId":       {Type: FieldString},
			"pinHash":        {Type: FieldString},
			"role":           {Type: FieldString, Enum: []string{RoleStudent, RoleTeacher}},
			"classId":        {Type: FieldString, Nullable: true},
			"birthdate":      {Type: FieldString},
			"rollNo":         {Type: FieldString},
			"schoolName":     {Type: FieldString},
			"villageName":    {Type: FieldString},
			"state":          {Type: FieldString},
			"country":        {Type: FieldString},
			"ipAddress":      {Type: FieldString},
			"password":       {Type: FieldString},
			"medium":         {Type: FieldString, Enum: []string{MediumEnglish, MediumMarathi}},
			"phone":          {Type: FieldString},
			"teacherClassId": {Type: FieldString},
			"createdAt":      {Type: FieldNumber},
		},
		Required: []string{"id", "name", "avatarId", "pinHash", "createdAt", "role"},
		Check:    checkUser,
	},
	CollectionProgress: {
		Name:    CollectionProgress,
		Version: 0,
		Fields: map[string]FieldSchema{
			"id":        {Type: FieldString, MaxLength: 100},
			"userId":    {Type: FieldString, MaxLength: 100},
			"levelId":   {Type: FieldString},
			"score":     {Type: FieldNumber, Min: floatPtr(0), Max: floatPtr(100)},
			"stars":     {Type: FieldInteger, Min: floatPtr(0), Max: floatPtr(3)},
			"timestamp": {Type: FieldNumber},
		},
		Required: []string{"id", "userId", "levelId", "score", "stars", "timestamp"},
	},
	CollectionContent: {
		Name:    CollectionContent,
		Version: 6,
		Fields: map[string]FieldSchema{
			"id":          {Type: FieldString, MaxLength: 100},
			"type":        {Type: FieldString, Enum: []string{ContentSubject, ContentModule, ContentText, ContentQuiz, ContentLesson}},
			"title":       {Type: FieldString},
			"thumbnail":   {Type: FieldString},
			"description": {Type: FieldString},
			"classId":     {Type: FieldString, Nullable: true},
			"subjectId":   {Type: FieldString},
			"moduleId":    {Type: FieldString},
			"isHomework":  {Type: FieldBool},
			"data":        {Type: FieldObject},
			"teacherId":   {Type: FieldString},
			"createdAt":   {Type: FieldNumber},
			"updatedAt":   {Type: FieldNumber},
			"medium":      {Type: FieldString, Enum: []string{MediumEnglish, MediumMarathi}},
		},
		Required: []string{"id", "type", "title", "createdAt"},
		Check:    checkContentData,
	},
	CollectionClasses: {
		Name:    CollectionClasses,
		Version: 3,
		Fields: map[string]FieldSchema{
			"id":        {Type: FieldString, MaxLength: 100},
			"name":      {Type: FieldString},
			"standard":  {Type: FieldString},
			"medium":    {Type: FieldString, Enum: []string{MediumEnglish, MediumMarathi}},
			"teacherId": {Type: FieldString},
			"code":      {Type: FieldString, MaxLength: 6},
			"createdAt": {Type: FieldNumber},
		},
		Required: []string{"id", "name", "teacherId", "createdAt"},
	},
}

// Collections returns the names of all collections in a stable order.
func Collections() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaFor returns the current schema of a collection.
func SchemaFor(collection string) (*CollectionSchema, error) {
	s, ok := schemas[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return s, nil
}

// Validate checks doc against the schema and returns a *ValidationError on
// the first violation.
func (s *CollectionSchema) Validate(doc Document) error {
	if err := s.CheckRequired(doc); err != nil {
		return err
	}
	for _, name := range sortedKeys(doc) {
		field, ok := s.Fields[name]
		if !ok {
			continue
		}
		if err := s.checkField(name, field, doc[name]); err != nil {
			return err
		}
	}
	if s.Check != nil {
		return s.Check(doc)
	}
	return nil
}

// CheckRequired only verifies that every required field is present and non-null.
func (s *CollectionSchema) CheckRequired(doc Document) error {
	for _, name := range s.Required {
		v, ok := doc[name]
		if !ok || v == nil {
			return newValidationError(s.Name, name, "required field missing")
		}
	}
	return nil
}

func (s *CollectionSchema) checkField(name string, field FieldSchema, v any) error {
	if v == nil {
		if field.Nullable {
			return nil
		}
		return newValidationError(s.Name, name, "must not be null")
	}
	switch field.Type {
	case FieldString:
		str, ok := v.(string)
		if !ok {
			return newValidationError(s.Name, name, "expected string, got %T", v)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return newValidationError(s.Name, name, "longer than %d characters", field.MaxLength)
		}
		if len(field.Enum) > 0 && !containsString(field.Enum, str) {
			return newValidationError(s.Name, name, "%q is not one of %v", str, field.Enum)
		}
	case FieldNumber, FieldInteger:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return newValidationError(s.Name, name, "expected number, got %T", v)
		}
		if field.Type == FieldInteger && f != math.Trunc(f) {
			return newValidationError(s.Name, name, "expected integer, got %v", f)
		}
		if field.Min != nil && f < *field.Min {
			return newValidationError(s.Name, name, "%v is below minimum %v", f, *field.Min)
		}
		if field.Max != nil && f > *field.Max {
			return newValidationError(s.Name, name, "%v is above maximum %v", f, *field.Max)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return newValidationError(s.Name, name, "expected boolean, got %T", v)
		}
	case FieldObject:
		if _, ok := asMap(v); !ok {
			return newValidationError(s.Name, name, "expected object, got %T", v)
		}
	case FieldArray:
		if _, ok := v.([]any); !ok {
			return newValidationError(s.Name, name, "expected array, got %T", v)
		}
	}
	return nil
}

func checkUser(doc Document) error {
	if doc.String("pinHash") == "" {
		return newValidationError(CollectionUsers, "pinHash", "must not be empty")
	}
	return nil
}

// checkContentData validates data against the variant selected by type.
func checkContentData(doc Document) error {
	raw, ok := doc["data"]
	if !ok || raw == nil {
		return nil
	}
	data, _ := asMap(raw)
	switch doc.String("type") {
	case ContentQuiz:
		qs, ok := data["questions"]
		if !ok || qs == nil {
			return nil
		}
		list, ok := qs.([]any)
		if !ok {
			return newValidationError(CollectionContent, "data.questions", "expected array")
		}
		for i, item := range list {
			q, ok := asMap(item)
			if !ok {
				return newValidationError(CollectionContent, fmt.Sprintf("data.questions[%d]", i), "expected object")
			}
			if err := checkQuestion(i, q); err != nil {
				return err
			}
		}
	case ContentText, ContentLesson:
		if tr, ok := data["translations"]; ok && tr != nil {
			m, ok := asMap(tr)
			if !ok {
				return newValidationError(CollectionContent, "data.translations", "expected object")
			}
			for lang, html := range m {
				if _, ok := html.(string); !ok {
					return newValidationError(CollectionContent, "data.translations."+lang, "expected string")
				}
			}
		}
		if at, ok := data["attachments"]; ok && at != nil {
			if _, ok := at.([]any); !ok {
				return newValidationError(CollectionContent, "data.attachments", "expected array")
			}
		}
	}
	return nil
}

func checkQuestion(i int, q map[string]any) error {
	field := fmt.Sprintf("data.questions[%d]", i)
	var options []any
	if raw, ok := q["options"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return newValidationError(CollectionContent, field+".options", "expected array")
		}
		options = list
	}
	raw, ok := q["correctAnswer"]
	if !ok {
		return nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return newValidationError(CollectionContent, field+".correctAnswer", "expected number, got %T", raw)
	}
	if f != math.Trunc(f) || f < 0 {
		return newValidationError(CollectionContent, field+".correctAnswer", "must be a zero-based index")
	}
	if len(options) > 0 && int(f) >= len(options) {
		return newValidationError(CollectionContent, field+".correctAnswer", "index %d out of range for %d options", int(f), len(options))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(doc Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
