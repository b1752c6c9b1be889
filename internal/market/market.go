package market

import (
	"fmt"

	"polymarket-keeper/pkg/types"
)

// Market binds one condition id to its two outcome token asset ids.
type Market struct {
	ConditionID string
	assetIDs    map[types.Token]string
	tokens      map[string]types.Token
}

// NewMarket builds a Market from explicit asset ids (A = YES, B = NO).
func NewMarket(conditionID, assetA, assetB string) *Market {
	return &Market{
		ConditionID: conditionID,
		assetIDs: map[types.Token]string{
			types.TokenA: assetA,
			types.TokenB: assetB,
		},
		tokens: map[string]types.Token{
			assetA: types.TokenA,
			assetB: types.TokenB,
		},
	}
}

// ResolveMarket maps a market response to a Market. The YES outcome becomes
// token A; when outcome labels are missing, token order decides.
func ResolveMarket(resp *types.MarketResponse) (*Market, error) {
	if len(resp.Tokens) != 2 {
		return nil, fmt.Errorf("market %s has %d tokens, want 2", resp.ConditionID, len(resp.Tokens))
	}
	a, b := resp.Tokens[0], resp.Tokens[1]
	if b.Outcome == "Yes" {
		a, b = b, a
	}
	if a.TokenID == "" || b.TokenID == "" {
		return nil, fmt.Errorf("market %s has an empty token id", resp.ConditionID)
	}
	return NewMarket(resp.ConditionID, a.TokenID, b.TokenID), nil
}

// AssetID returns the asset id for an outcome token.
func (m *Market) AssetID(t types.Token) string {
	return m.assetIDs[t]
}

// Token returns the outcome token for an asset id.
func (m *Market) Token(assetID string) (types.Token, bool) {
	t, ok := m.tokens[assetID]
	return t, ok
}

// AssetIDs returns both asset ids, A first.
func (m *Market) AssetIDs() []string {
	return []string{m.assetIDs[types.TokenA], m.assetIDs[types.TokenB]}
}
