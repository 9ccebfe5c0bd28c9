package scanner

import (
	"sort"

	"github.com/vadiminshakov/fundarb/internal/domain"
)

// Rank orders opportunities by per-hour spread, widest first. The sort is
// stable so equal spreads keep their discovery order.
func Rank(opps []domain.Opportunity) []domain.Opportunity {
	ranked := make([]domain.Opportunity, len(opps))
	copy(ranked, opps)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].SpreadPerHour.GreaterThan(ranked[j].SpreadPerHour)
	})

	return ranked
}
