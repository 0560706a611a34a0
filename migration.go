package gramdb

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// MigrationStep upgrades a document from version From to From+1. Apply
// receives a private copy and may modify it freely.
type MigrationStep struct {
	From        int
	Description string
	Apply       func(doc Document) (Document, error)
}

// Migrator holds the ordered migration chain of every collection.
type Migrator struct {
	chains map[string][]MigrationStep
}

// NewMigrator builds the migration chains. newCode generates class join
// codes; nil selects GenerateJoinCode.
func NewMigrator(newCode func() (string, error)) *Migrator {
	if newCode == nil {
		newCode = GenerateJoinCode
	}
	return &Migrator{chains: map[string][]MigrationStep{
		CollectionUsers:    userMigrations(),
		CollectionContent:  contentMigrations(),
		CollectionProgress: nil,
		CollectionClasses:  classMigrations(newCode),
	}}
}

// Steps returns the chain for a collection.
func (m *Migrator) Steps(collection string) []MigrationStep {
	return m.chains[collection]
}

// Migrate runs doc through every step from version `from` up to the
// collection's current version and checks the final required-field set.
func (m *Migrator) Migrate(collection string, doc Document, from int) (Document, error) {
	schema, err := SchemaFor(collection)
	if err != nil {
		return nil, err
	}
	if from > schema.Version {
		return nil, &MigrationError{
			Collection:  collection,
			DocumentID:  doc.ID(),
			FromVersion: from,
			Cause:       fmt.Errorf("stored version is newer than schema version %d", schema.Version),
		}
	}
	cur := doc.Clone()
	for _, step := range m.chains[collection] {
		if step.From < from {
			continue
		}
		next, err := runStep(step, cur)
		if err != nil {
			return nil, &MigrationError{Collection: collection, DocumentID: doc.ID(), FromVersion: step.From, Cause: err}
		}
		cur = next
	}
	if err := schema.CheckRequired(cur); err != nil {
		return nil, &MigrationError{Collection: collection, DocumentID: doc.ID(), FromVersion: schema.Version - 1, Cause: err}
	}
	return cur, nil
}

func runStep(step MigrationStep, doc Document) (out Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", step.Description, r)
		}
	}()
	out, err = step.Apply(doc.Clone())
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("step returned no document")
	}
	return out, nil
}

func userMigrations() []MigrationStep {
	return []MigrationStep{
		{From: 0, Description: "add role", Apply: func(d Document) (Document, error) {
			if d.String("role") == "" {
				d["role"] = RoleStudent
			}
			return d, nil
		}},
		{From: 1, Description: "add classId", Apply: func(d Document) (Document, error) {
			if _, ok := d["classId"]; !ok {
				d["classId"] = nil
			}
			return d, nil
		}},
		{From: 2, Description: "add profile fields", Apply: identity},
		{From: 3, Description: "add medium", Apply: func(d Document) (Document, error) {
			if d.String("medium") == "" {
				d["medium"] = MediumEnglish
			}
			return d, nil
		}},
		{From: 4, Description: "add phone", Apply: func(d Document) (Document, error) {
			if _, ok := d["phone"].(string); !ok {
				d["phone"] = ""
			}
			return d, nil
		}},
		{From: 5, Description: "normalize classId", Apply: func(d Document) (Document, error) {
			if s, ok := d["classId"].(string); ok && s != "" {
				d["classId"] = digitsOnly(s)
			}
			return d, nil
		}},
		{From: 6, Description: "add teacherClassId", Apply: identity},
	}
}

func contentMigrations() []MigrationStep {
	return []MigrationStep{
		{From: 0, Description: "initial", Apply: identity},
		{From: 1, Description: "add classId", Apply: func(d Document) (Document, error) {
			if _, ok := d["classId"]; !ok {
				d["classId"] = nil
			}
			return d, nil
		}},
		{From: 2, Description: "add moduleId and new types", Apply: identity},
		{From: 3, Description: "add translations and attachments", Apply: func(d Document) (Document, error) {
			switch d.String("type") {
			case ContentText, ContentLesson:
			default:
				return d, nil
			}
			data, ok := asMap(d["data"])
			if !ok {
				data = map[string]any{}
			}
			if _, ok := data["translations"]; !ok {
				data["translations"] = map[string]any{}
			}
			if _, ok := data["attachments"]; !ok {
				data["attachments"] = []any{}
			}
			d["data"] = data
			return d, nil
		}},
		{From: 4, Description: "numeric correctAnswer", Apply: func(d Document) (Document, error) {
			data, ok := asMap(d["data"])
			if !ok {
				return d, nil
			}
			questions, ok := data["questions"].([]any)
			if !ok {
				return d, nil
			}
			for _, item := range questions {
				if q, ok := asMap(item); ok {
					q["correctAnswer"] = coerceIndex(q["correctAnswer"])
				}
			}
			return d, nil
		}},
		{From: 5, Description: "add medium", Apply: func(d Document) (Document, error) {
			if d.String("medium") == "" {
				d["medium"] = MediumEnglish
			}
			return d, nil
		}},
	}
}

func classMigrations(newCode func() (string, error)) []MigrationStep {
	ensureCode := func(d Document) (Document, error) {
		if d.String("code") != "" {
			return d, nil
		}
		code, err := newCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		d["code"] = code
		return d, nil
	}
	return []MigrationStep{
		{From: 0, Description: "add standard and medium", Apply: identity},
		{From: 1, Description: "add join code", Apply: ensureCode},
		{From: 2, Description: "ensure join code", Apply: ensureCode},
	}
}

func identity(d Document) (Document, error) { return d, nil }

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// coerceIndex converts legacy correctAnswer values the way a JavaScript
// Number(x) || 0 would, then clamps the result to a non-negative integer.
func coerceIndex(v any) float64 {
	var f float64
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		n, ok := toFloat(v)
		if !ok {
			return 0
		}
		f = n
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return math.Floor(f)
}

// JoinCodeAlphabet excludes the confusable characters I, O, 0 and 1.
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength is the fixed length of class join codes.
const JoinCodeLength = 6

// GenerateJoinCode returns a random class join code.
func GenerateJoinCode() (string, error) {
	max := big.NewInt(int64(len(JoinCodeAlphabet)))
	b := make([]byte, JoinCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = JoinCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}
