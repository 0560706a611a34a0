package gramdb

import (
	"context"
	"math"
)

// PassThreshold is the fraction of correct answers that earns a star.
const PassThreshold = 0.6

// QuizResult is the outcome of one quiz attempt.
type QuizResult struct {
	Score       int  `json:"score"`
	Total       int  `json:"total"`
	Stars       int  `json:"stars"`
	Passed      bool `json:"passed"`
	CoinsEarned int  `json:"coinsEarned"`
}

// CalculateResult scores an attempt: one star at 60%, two at 80% and three
// for a perfect run.
func CalculateResult(correct, total int) QuizResult {
	res := QuizResult{Total: total}
	if total <= 0 {
		return res
	}
	pct := float64(correct) / float64(total)
	switch {
	case pct >= 1.0:
		res.Stars = 3
	case pct >= 0.8:
		res.Stars = 2
	case pct >= PassThreshold:
		res.Stars = 1
	}
	res.Score = int(math.Round(pct * 100))
	res.Passed = res.Stars > 0
	res.CoinsEarned = CoinsForStars(res.Stars)
	return res
}

// CoinsForStars returns the reward for a star count.
func CoinsForStars(stars int) int {
	switch stars {
	case 1:
		return 10
	case 2:
		return 25
	case 3:
		return 50
	default:
		return 0
	}
}

// RecordResult stores an attempt for the user. The stored row only ever
// improves, following the same policy as a peer profile merge.
func (db *DB) RecordResult(ctx context.Context, userID, levelID string, res QuizResult) (Progress, MergeAction, error) {
	if _, err := db.userByID(ctx, userID); err != nil {
		return Progress{}, MergeIgnore, err
	}
	var (
		out    Progress
		action MergeAction
	)
	in := ProfileEntry{LevelID: levelID, Score: float64(res.Score), Stars: res.Stars}
	_, err := db.Progress().merge(ctx, originLocal, func(find func(Selector) []Document) ([]Document, error) {
		var existing *Progress
		if rows := find(Where(Eq("userId", userID), Eq("levelId", levelID))); len(rows) > 0 {
			p, err := ProgressFromDocument(rows[0])
			if err != nil {
				return nil, err
			}
			existing = &p
		}
		out, action = MergeProfileEntry(existing, userID, in, db.now().UnixMilli())
		if action == MergeIgnore {
			return nil, nil
		}
		doc, err := toDocument(out)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	})
	if err != nil {
		return Progress{}, MergeIgnore, err
	}
	return out, action, nil
}
