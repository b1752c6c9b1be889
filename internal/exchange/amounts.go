package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"

	"polymarket-keeper/pkg/types"
)

// PriceToAmounts converts a human-readable price and size into the
// makerAmount and takerAmount the CTF exchange expects, as big.Int
// values scaled to 6 decimals (USDC base units).
//
// For BUY:  you pay makerAmount USDC, you receive takerAmount tokens
// For SELL: you give makerAmount tokens, you receive takerAmount USDC
//
// Sizes are truncated to 2 decimals and the USDC leg to 4, matching the
// exchange's precision rules for 0.01-tick markets. Decimal arithmetic
// keeps the scaling exact; float rounding here has rejected orders before.
func PriceToAmounts(price, size float64, side types.Side) (makerAmt, takerAmt *big.Int) {
	scale := decimal.New(1, 6)

	sizeD := decimal.NewFromFloat(size).Truncate(2)
	priceD := decimal.NewFromFloat(price)
	usdc := sizeD.Mul(priceD).Truncate(4)

	tokens := sizeD.Mul(scale).BigInt()
	collateral := usdc.Mul(scale).BigInt()

	if side == types.BUY {
		return collateral, tokens
	}
	return tokens, collateral
}
