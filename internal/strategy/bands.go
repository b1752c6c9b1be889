// Package strategy implements the bands market-making strategy: given a
// target price, the keeper's open orders, and its balances, it decides
// which orders to cancel and which to place so that each configured band
// around the target holds the desired amount of liquidity.
package strategy

import (
	"fmt"
	"math"
	"sort"

	"polymarket-keeper/pkg/types"
)

// Band describes desired liquidity at a margin range below the target
// price: keep between MinAmount and MaxAmount resting in the price range
// (target − MaxMargin, target − MinMargin), topping up to AvgAmount at
// price target − AvgMargin when below MinAmount.
type Band struct {
	MinMargin float64 `json:"min_margin"`
	AvgMargin float64 `json:"avg_margin"`
	MaxMargin float64 `json:"max_margin"`
	MinAmount float64 `json:"min_amount"`
	AvgAmount float64 `json:"avg_amount"`
	MaxAmount float64 `json:"max_amount"`
}

func (b Band) validate() error {
	if b.MinAmount < 0 || b.AvgAmount < 0 || b.MaxAmount < 0 {
		return fmt.Errorf("band amounts must be non-negative: %+v", b)
	}
	if b.MinAmount > b.AvgAmount || b.AvgAmount > b.MaxAmount {
		return fmt.Errorf("band amounts must satisfy min <= avg <= max: %+v", b)
	}
	if b.MinMargin > b.AvgMargin || b.AvgMargin > b.MaxMargin {
		return fmt.Errorf("band margins must satisfy min <= avg <= max: %+v", b)
	}
	if b.MinMargin >= b.MaxMargin {
		return fmt.Errorf("band margins must satisfy min < max: %+v", b)
	}
	return nil
}

func applyMargin(price, margin float64) float64 {
	return types.RoundPrice(price - margin)
}

// MinPrice is the lower band boundary for a target price.
func (b Band) MinPrice(target float64) float64 { return applyMargin(target, b.MaxMargin) }

// BuyPrice is the price at which the band tops up with BUY orders.
func (b Band) BuyPrice(target float64) float64 { return applyMargin(target, b.AvgMargin) }

// SellPrice is the arbitrage-mode price for the complementary token's
// SELL orders: (1 − target) + AvgMargin.
func (b Band) SellPrice(target float64) float64 { return applyMargin(1-target, -b.AvgMargin) }

// MaxPrice is the upper band boundary for a target price.
func (b Band) MaxPrice(target float64) float64 { return applyMargin(target, b.MinMargin) }

// includes reports whether an order falls strictly inside the band.
// SELL orders are first mapped into buy-price space: mirrored around the
// target in vanilla mode, complemented (1 − price) in arbitrage mode.
func (b Band) includes(order types.Order, target float64, vanilla bool) bool {
	price := order.Price
	if order.Side == types.SELL {
		if vanilla {
			price = types.RoundPrice(2*target - order.Price)
		} else {
			price = types.RoundPrice(1 - order.Price)
		}
	}
	return price > b.MinPrice(target) && price < b.MaxPrice(target)
}

// excessiveOrders returns the orders to cancel so the band's aggregate
// size drops to MaxAmount or below. Cancellation order depends on band
// position: the first band cancels orders nearest the target first, the
// last band cancels the furthest first, middle bands cancel the smallest
// orders first.
func (b Band) excessiveOrders(orders []types.Order, target float64, isFirst, isLast, vanilla bool) []types.Order {
	inBand := make([]types.Order, 0, len(orders))
	bandAmount := 0.0
	for _, o := range orders {
		if b.includes(o, target, vanilla) {
			inBand = append(inBand, o)
			bandAmount += o.Size
		}
	}
	if bandAmount <= b.MaxAmount {
		return nil
	}

	switch {
	case isFirst:
		sort.SliceStable(inBand, func(i, j int) bool {
			return math.Abs(inBand[i].Price-target) < math.Abs(inBand[j].Price-target)
		})
	case isLast:
		sort.SliceStable(inBand, func(i, j int) bool {
			return math.Abs(inBand[i].Price-target) > math.Abs(inBand[j].Price-target)
		})
	default:
		sort.SliceStable(inBand, func(i, j int) bool {
			return inBand[i].Size < inBand[j].Size
		})
	}

	var cancel []types.Order
	for _, o := range inBand {
		if bandAmount <= b.MaxAmount {
			break
		}
		cancel = append(cancel, o)
		bandAmount -= o.Size
	}
	return cancel
}

// Bands is a validated, ordered list of non-overlapping bands.
type Bands struct {
	bands []Band
}

// NewBands validates the band list. Overlapping bands (on the margin
// axis) or inconsistent margins fail construction.
func NewBands(bands []Band) (*Bands, error) {
	for _, b := range bands {
		if err := b.validate(); err != nil {
			return nil, err
		}
	}
	for i := range bands {
		for j := i + 1; j < len(bands); j++ {
			if bands[i].MinMargin < bands[j].MaxMargin && bands[j].MinMargin < bands[i].MaxMargin {
				return nil, fmt.Errorf("bands %d and %d overlap", i, j)
			}
		}
	}
	return &Bands{bands: bands}, nil
}

// virtualBands adapts the configured bands to a target price: bands whose
// MaxPrice would be non-positive are discarded, and a band whose BuyPrice
// would be non-positive gets its AvgMargin rebased to target − MIN_TICK.
// A non-positive target yields no bands.
func (bs *Bands) virtualBands(target float64) []Band {
	if target <= 0 {
		return nil
	}
	virtual := make([]Band, 0, len(bs.bands))
	for _, b := range bs.bands {
		if b.MaxPrice(target) <= 0 {
			continue
		}
		if b.BuyPrice(target) <= 0 {
			b.AvgMargin = target - types.MinTick
		}
		virtual = append(virtual, b)
	}
	return virtual
}

// CancellableOrders returns the orders to cancel: excessive in-band
// amounts plus anything outside every virtual band. When hasPrice is
// false every order is cancelled.
func (bs *Bands) CancellableOrders(orders []types.Order, target float64, hasPrice, vanilla bool) []types.Order {
	if !hasPrice {
		return append([]types.Order(nil), orders...)
	}

	virtual := bs.virtualBands(target)
	var cancel []types.Order
	for i, b := range virtual {
		cancel = append(cancel, b.excessiveOrders(orders, target, i == 0, i == len(virtual)-1, vanilla)...)
	}
	for _, o := range orders {
		included := false
		for _, b := range virtual {
			if b.includes(o, target, vanilla) {
				included = true
				break
			}
		}
		if !included {
			cancel = append(cancel, o)
		}
	}
	return cancel
}

// NewOrders computes the orders needed to top each underfilled virtual
// band up to AvgAmount. Per band it first emits a SELL funded by the
// token balance, then a BUY funded by collateral, decrementing running
// balances so later bands see what remains. Candidates with price
// outside (0, 1) or size below MIN_SIZE are discarded.
func (bs *Bands) NewOrders(orders []types.Order, collateral, tokenBalance, target float64, buyToken types.Token, vanilla bool) []types.Order {
	sellToken := buyToken.Complement()
	if vanilla {
		sellToken = buyToken
	}

	var placed []types.Order
	for _, band := range bs.virtualBands(target) {
		bandAmount := 0.0
		for _, o := range orders {
			if band.includes(o, target, vanilla) {
				bandAmount += o.Size
			}
		}
		if bandAmount >= band.MinAmount {
			continue
		}

		var sellPrice float64
		if vanilla {
			// Mirror the buy price around the target so the two quotes
			// sit symmetrically.
			sellPrice = types.RoundPrice(target + (target - band.BuyPrice(target)))
		} else {
			sellPrice = band.SellPrice(target)
		}
		sellSize := roundSize(math.Min(band.AvgAmount-bandAmount, tokenBalance))
		if orderValid(sellPrice, sellSize) {
			placed = append(placed, types.Order{Side: types.SELL, Token: sellToken, Price: sellPrice, Size: sellSize})
			bandAmount += sellSize
			tokenBalance -= sellSize
		}

		if bandAmount < band.AvgAmount {
			buyPrice := band.BuyPrice(target)
			buySize := roundSize(math.Min(band.AvgAmount-bandAmount, collateral/buyPrice))
			if orderValid(buyPrice, buySize) {
				placed = append(placed, types.Order{Side: types.BUY, Token: buyToken, Price: buyPrice, Size: buySize})
				collateral -= buySize * buyPrice
			}
		}
	}
	return placed
}

func orderValid(price, size float64) bool {
	return price > 0 && price < 1 && size >= types.MinSize
}

func roundSize(size float64) float64 {
	pow := math.Pow(10, types.MaxDecimals)
	return math.Round(size*pow) / pow
}
