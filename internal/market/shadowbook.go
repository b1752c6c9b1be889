// Package market maintains the keeper's local view of one binary market:
// the condition id and its two outcome tokens, a shadow copy of the live
// order book, and the WebSocket listener that keeps the shadow book fresh.
//
// ShadowBook mirrors the CLOB order book for a single token. It is updated
// from two sources:
//   - full snapshots via ApplyBookEvent / ApplyBookResponse
//   - incremental level updates via ApplyDelta
//
// The book is concurrency-safe (mutex protected) and provides derived
// values like MidPrice and the cached best bid/ask for the strategy layer.
package market

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"polymarket-keeper/pkg/types"
)

const (
	// desyncEpsilon is the max tolerated difference between the local best
	// and the server-reported best before a delta counts as a desync.
	desyncEpsilon = 0.001

	// desyncSampleProb is the fraction of deltas on which the local best is
	// checked against the server-reported best.
	desyncSampleProb = 0.01
)

// ShadowBook maintains a local replica of the order book for one token.
// Levels are keyed by price; zero-size levels never exist in the maps.
// The best bid and ask are cached and invalidated only when the cached
// level is removed, so reads are O(1) between removals.
type ShadowBook struct {
	mu      sync.Mutex
	assetID string

	bids map[float64]float64
	asks map[float64]float64

	bestBid    float64
	bestBidOK  bool
	bestAsk    float64
	bestAskOK  bool
	lastTrade  float64
	hasTrade   bool
	lastUpdate time.Time

	// randFloat drives desync sampling. Replaceable in tests for
	// deterministic sampling sequences.
	randFloat func() float64
}

// NewShadowBook creates an empty shadow book for one token asset id.
func NewShadowBook(assetID string) *ShadowBook {
	return &ShadowBook{
		assetID:   assetID,
		bids:      make(map[float64]float64),
		asks:      make(map[float64]float64),
		randFloat: rand.Float64,
	}
}

// AssetID returns the token asset id this book tracks.
func (s *ShadowBook) AssetID() string {
	return s.assetID
}

// ApplyBookEvent replaces the book with a full WebSocket snapshot.
func (s *ShadowBook) ApplyBookEvent(event types.WSBookEvent) {
	s.applySnapshot(event.Bids, event.Asks, event.LastTradePrice)
}

// ApplyBookResponse replaces the book with a REST API snapshot.
func (s *ShadowBook) ApplyBookResponse(resp *types.BookResponse) {
	s.applySnapshot(resp.Bids, resp.Asks, resp.LastTradePrice)
}

// applySnapshot rebuilds both sides from scratch. Zero-size and
// unparsable levels are dropped; the best caches are reset. Applying the
// same snapshot twice yields identical state.
func (s *ShadowBook) applySnapshot(bids, asks []types.PriceLevel, lastTrade string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids = make(map[float64]float64, len(bids))
	for _, lvl := range bids {
		price, size, ok := parseLevel(lvl)
		if ok && size > 0 {
			s.bids[price] = size
		}
	}
	s.asks = make(map[float64]float64, len(asks))
	for _, lvl := range asks {
		price, size, ok := parseLevel(lvl)
		if ok && size > 0 {
			s.asks[price] = size
		}
	}

	s.bestBidOK = false
	s.bestAskOK = false

	// A snapshot is the full truth for this book: when it carries no
	// usable last trade price, any previously stored one is stale.
	if v, ok := parseOptionalFloat(lastTrade); ok {
		s.lastTrade = v
		s.hasTrade = true
	} else {
		s.hasTrade = false
	}
	s.lastUpdate = time.Now()
}

// ApplyDelta applies one incremental level update. It reports desync:
// true when the delta is malformed, or when a sampled comparison finds
// the local best further than desyncEpsilon from the server-reported
// best. On a malformed delta the book is left untouched.
func (s *ShadowBook) ApplyDelta(pc types.WSPriceChange) (desync bool) {
	price, err := strconv.ParseFloat(pc.Price, 64)
	if err != nil {
		return true
	}
	size, err := strconv.ParseFloat(pc.Size, 64)
	if err != nil || size < 0 {
		return true
	}
	if pc.Side != "buy" && pc.Side != "sell" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pc.Side == "buy" {
		s.applyLevelLocked(s.bids, price, size, &s.bestBid, &s.bestBidOK, func(p, best float64) bool { return p > best })
	} else {
		s.applyLevelLocked(s.asks, price, size, &s.bestAsk, &s.bestAskOK, func(p, best float64) bool { return p < best })
	}
	s.lastUpdate = time.Now()

	if s.randFloat() < desyncSampleProb {
		return s.checkServerBestLocked(pc)
	}
	return false
}

// applyLevelLocked updates one side. size == 0 removes the level and
// invalidates the cached best if that was the removed price; a non-zero
// size sets the level and moves the cached best in place when the price
// strictly improves on it.
func (s *ShadowBook) applyLevelLocked(side map[float64]float64, price, size float64, best *float64, bestOK *bool, improves func(p, best float64) bool) {
	if size == 0 {
		if _, present := side[price]; present {
			delete(side, price)
			if *bestOK && price == *best {
				*bestOK = false
			}
		}
		return
	}
	side[price] = size
	if *bestOK && improves(price, *best) {
		*best = price
	}
}

// checkServerBestLocked compares the local best for the delta's side
// against the server-reported best. An empty server field skips the check.
func (s *ShadowBook) checkServerBestLocked(pc types.WSPriceChange) bool {
	if pc.Side == "buy" {
		server, ok := parseOptionalFloat(pc.BestBid)
		if !ok {
			return false
		}
		local, ok := s.bestBidLocked()
		if !ok {
			return true
		}
		return abs(local-server) > desyncEpsilon
	}
	server, ok := parseOptionalFloat(pc.BestAsk)
	if !ok {
		return false
	}
	local, ok := s.bestAskLocked()
	if !ok {
		return true
	}
	return abs(local-server) > desyncEpsilon
}

// BestBid returns the highest bid price, recomputing and refreshing the
// cache if it was invalidated. ok is false when the side is empty.
func (s *ShadowBook) BestBid() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestBidLocked()
}

// BestAsk returns the lowest ask price.
func (s *ShadowBook) BestAsk() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestAskLocked()
}

func (s *ShadowBook) bestBidLocked() (float64, bool) {
	if s.bestBidOK {
		return s.bestBid, true
	}
	if len(s.bids) == 0 {
		return 0, false
	}
	best := -1.0
	for p := range s.bids {
		if p > best {
			best = p
		}
	}
	s.bestBid = best
	s.bestBidOK = true
	return best, true
}

func (s *ShadowBook) bestAskLocked() (float64, bool) {
	if s.bestAskOK {
		return s.bestAsk, true
	}
	if len(s.asks) == 0 {
		return 0, false
	}
	best := 2.0
	for p := range s.asks {
		if p < best {
			best = p
		}
	}
	s.bestAsk = best
	s.bestAskOK = true
	return best, true
}

// MidPrice returns (bestBid + bestAsk) / 2, or false if either side is empty.
func (s *ShadowBook) MidPrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bid, okBid := s.bestBidLocked()
	ask, okAsk := s.bestAskLocked()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// LastTradePrice returns the last trade price reported by the most
// recent snapshot, or false if that snapshot carried none.
func (s *ShadowBook) LastTradePrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrade, s.hasTrade
}

// LastUpdate returns the time of the last applied snapshot or delta.
// The zero time means the book has never been updated.
func (s *ShadowBook) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func parseLevel(lvl types.PriceLevel) (price, size float64, ok bool) {
	price, err := strconv.ParseFloat(lvl.Price, 64)
	if err != nil {
		return 0, 0, false
	}
	size, err = strconv.ParseFloat(lvl.Size, 64)
	if err != nil {
		return 0, 0, false
	}
	return price, size, true
}

// parseOptionalFloat parses a numeric string, treating empty or
// non-numeric input as absent rather than an error.
func parseOptionalFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
