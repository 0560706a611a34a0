package gramdb

import (
	"context"
	"sort"
)

// LeaderboardEntry is one ranked student.
type LeaderboardEntry struct {
	Rank       int     `json:"rank"`
	UserID     string  `json:"id"`
	Name       string  `json:"name"`
	AvatarID   string  `json:"avatarId"`
	TotalStars int     `json:"totalStars"`
	TotalScore float64 `json:"totalScore"`
}

// Leaderboard ranks every non-teacher user by total stars, then total
// score, over all their progress rows. A non-empty scopeClassID keeps only
// students whose teacherClassId matches. Ranks are positions 1..N; ties
// keep distinct ranks in id order.
func (db *DB) Leaderboard(ctx context.Context, scopeClassID string) ([]LeaderboardEntry, error) {
	sel := Where(Ne("role", RoleTeacher))
	if scopeClassID != "" {
		sel = append(sel, Eq("teacherClassId", scopeClassID))
	}
	users, err := db.Users().Find(ctx, sel)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(users))
	index := make(map[string]int, len(users))
	for _, u := range users {
		index[u.ID()] = len(entries)
		entries = append(entries, LeaderboardEntry{
			UserID:   u.ID(),
			Name:     u.String("name"),
			AvatarID: u.String("avatarId"),
		})
	}
	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]any, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	rows, err := db.Progress().Find(ctx, Where(In("userId", ids...)))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		i, ok := index[row.String("userId")]
		if !ok {
			continue
		}
		entries[i].TotalStars += int(row.Number("stars"))
		entries[i].TotalScore += row.Number("score")
	}

	// users arrive ordered by id, so a stable sort breaks ties by id.
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].TotalStars != entries[b].TotalStars {
			return entries[a].TotalStars > entries[b].TotalStars
		}
		return entries[a].TotalScore > entries[b].TotalScore
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
