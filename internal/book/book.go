package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK SNAPSHOT - Passive depth view of one market on one venue
// ═══════════════════════════════════════════════════════════════════════════════

// Level represents a price level
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a point-in-time view of one market's book.
// Bids are sorted price-descending, asks price-ascending; all sizes positive.
type Snapshot struct {
	Venue    string
	MarketID string
	Seq      uint64
	Ts       time.Time
	Bids     []Level
	Asks     []Level
}

// NewSnapshot builds a normalized snapshot: ladders are sorted, zero or
// negative sizes dropped, and levels sharing a price merged.
func NewSnapshot(venue, marketID string, seq uint64, ts time.Time, bids, asks []Level) *Snapshot {
	return &Snapshot{
		Venue:    venue,
		MarketID: marketID,
		Seq:      seq,
		Ts:       ts,
		Bids:     normalize(bids, true),
		Asks:     normalize(asks, false),
	}
}

func normalize(levels []Level, desc bool) []Level {
	clean := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsPositive() {
			clean = append(clean, l)
		}
	}
	sort.SliceStable(clean, func(i, j int) bool {
		if desc {
			return clean[i].Price.GreaterThan(clean[j].Price)
		}
		return clean[i].Price.LessThan(clean[j].Price)
	})

	// Merge levels at the same price
	merged := clean[:0]
	for _, l := range clean {
		if n := len(merged); n > 0 && merged[n-1].Price.Equal(l.Price) {
			merged[n-1].Size = merged[n-1].Size.Add(l.Size)
			continue
		}
		merged = append(merged, l)
	}
	return merged
}

// Validate checks the book invariant: best bid strictly below best ask
// when both sides are present.
func (s *Snapshot) Validate() error {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return nil
	}
	if !s.Bids[0].Price.LessThan(s.Asks[0].Price) {
		return fmt.Errorf("crossed book %s/%s: bid %s >= ask %s",
			s.Venue, s.MarketID, s.Bids[0].Price, s.Asks[0].Price)
	}
	return nil
}

// BestBid returns the highest bid price, or zero when the side is empty.
func (s *Snapshot) BestBid() decimal.Decimal {
	if len(s.Bids) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price, or zero when the side is empty.
func (s *Snapshot) BestAsk() decimal.Decimal {
	if len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Asks[0].Price
}

// Mid returns the mid price
func (s *Snapshot) Mid() decimal.Decimal {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
