package ranking

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/victornm/studyroom/internal/domain"
)

// Total is the summed hours of one user within a scope.
type Total struct {
	UserID string
	Hours  decimal.Decimal
}

// Rank orders totals by hours descending and assigns ranks 1..N.
// Users with equal hours are ordered by user ID so the result does not depend on input order.
func Rank(totals []Total) []domain.LeaderboardEntry {
	sorted := slices.Clone(totals)
	slices.SortStableFunc(sorted, func(a, b Total) int {
		if c := b.Hours.Cmp(a.Hours); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})

	entries := make([]domain.LeaderboardEntry, 0, len(sorted))
	for i, t := range sorted {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: t.UserID,
			Rank:   i + 1,
			Hours:  t.Hours.InexactFloat64(),
		})
	}
	return entries
}

// merge adds every total of src into dst.
func merge(dst map[string]decimal.Decimal, src []Total) {
	for _, t := range src {
		dst[t.UserID] = dst[t.UserID].Add(t.Hours)
	}
}

func totalsOf(m map[string]decimal.Decimal) []Total {
	totals := make([]Total, 0, len(m))
	for u, h := range m {
		totals = append(totals, Total{UserID: u, Hours: h})
	}
	return totals
}
