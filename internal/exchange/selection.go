package exchange

import (
	"sort"

	"spreadmarket/internal/models"
)

// SelectWinningBid picks the market maker from the bids placed while the
// market was in CREATED: tightest spread first, earliest bid breaking width
// ties, bid id as a final determinism guard for equal timestamps. The input
// is not modified. Returns nil when no bids exist; activation is never
// synthesized from the initial spread width.
func SelectWinningBid(bids []models.SpreadBid) *models.SpreadBid {
	if len(bids) == 0 {
		return nil
	}
	ranked := make([]models.SpreadBid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi := ranked[i].SpreadWidth()
		wj := ranked[j].SpreadWidth()
		if !wi.Equal(wj) {
			return wi.LessThan(wj)
		}
		if !ranked[i].BidTime.Equal(ranked[j].BidTime) {
			return ranked[i].BidTime.Before(ranked[j].BidTime)
		}
		return ranked[i].ID < ranked[j].ID
	})
	winner := ranked[0]
	return &winner
}
