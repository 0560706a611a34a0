package gramdb

import "testing"

func TestSelectorMatches(t *testing.T) {
	doc := Document{
		"id":      "p1",
		"userId":  "u1",
		"score":   float64(80),
		"stars":   float64(2),
		"classId": nil,
		"data":    map[string]any{"kind": "quiz", "count": float64(3)},
	}

	tests := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"empty", nil, true},
		{"eq string", Where(Eq("userId", "u1")), true},
		{"eq mismatch", Where(Eq("userId", "u2")), false},
		{"eq int against float", Where(Eq("stars", 2)), true},
		{"eq nil matches null", Where(Eq("classId", nil)), true},
		{"eq nil matches missing", Where(Eq("teacherClassId", nil)), true},
		{"eq nil rejects value", Where(Eq("userId", nil)), false},
		{"ne", Where(Ne("userId", "u2")), true},
		{"ne missing field", Where(Ne("role", "teacher")), true},
		{"ne nil needs value", Where(Ne("classId", nil)), false},
		{"gt", Where(Gt("score", 79)), true},
		{"gte equal", Where(Gte("score", 80)), true},
		{"lt", Where(Lt("score", 80)), false},
		{"lte", Where(Lte("stars", 2)), true},
		{"gt missing", Where(Gt("missing", 0)), false},
		{"gt type mismatch", Where(Gt("userId", 1)), false},
		{"string order", Where(Gt("userId", "u0")), true},
		{"in", Where(In("userId", "u3", "u1")), true},
		{"in none", Where(In("userId", "u3")), false},
		{"in numbers", Where(In("stars", 1, 2)), true},
		{"exists", Where(Exists("score", true)), true},
		{"exists null", Where(Exists("classId", true)), true},
		{"not exists", Where(Exists("rollNo", false)), true},
		{"dotted", Where(Eq("data.kind", "quiz")), true},
		{"dotted number", Where(Gte("data.count", 3)), true},
		{"dotted through scalar", Where(Eq("userId.x", "u")), false},
		{"conjunction", Where(Eq("userId", "u1"), Gte("score", 90)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Matches(doc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectorNilDocument(t *testing.T) {
	if Where().Matches(nil) {
		t.Error("nil document matched")
	}
}

func TestSortDocuments(t *testing.T) {
	docs := []Document{
		{"id": "c", "score": float64(50)},
		{"id": "a", "score": float64(90)},
		{"id": "d"},
		{"id": "b", "score": float64(50)},
		{"id": "e", "score": "high"},
	}

	sortDocuments(docs, "score", false)
	want := []string{"d", "b", "c", "a", "e"}
	for i, id := range want {
		if docs[i].ID() != id {
			t.Fatalf("ascending order = %v, want %v", ids(docs), want)
		}
	}

	sortDocuments(docs, "score", true)
	want = []string{"e", "a", "c", "b", "d"}
	for i, id := range want {
		if docs[i].ID() != id {
			t.Fatalf("descending order = %v, want %v", ids(docs), want)
		}
	}

	sortDocuments(docs, "", false)
	want = []string{"a", "b", "c", "d", "e"}
	for i, id := range want {
		if docs[i].ID() != id {
			t.Fatalf("id order = %v, want %v", ids(docs), want)
		}
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}
