package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trogers1052/signal-executor/internal/models"
)

// GetPositions returns open positions for symbol. Entries with zero size
// are dropped.
func (c *Client) GetPositions(ctx context.Context, keys Keys, category, symbol string) ([]models.Position, error) {
	q := Params{}.Add("category", category).Add("symbol", symbol)
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", keys, q, nil)
	if err != nil {
		return nil, err
	}
	var list listResult[PositionInfo]
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(list.List))
	for _, p := range list.List {
		size := dec(p.Size)
		if size.IsZero() || p.Side == "" || p.Side == "None" {
			continue
		}
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Side:          models.Side(p.Side),
			Size:          size,
			AvgPrice:      dec(p.AvgPrice),
			UnrealisedPnl: dec(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// GetWalletBalance returns the unified account balance for coin.
func (c *Client) GetWalletBalance(ctx context.Context, keys Keys, coin string) (WalletBalance, error) {
	q := Params{}.Add("accountType", "UNIFIED").Add("coin", coin)
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", keys, q, nil)
	if err != nil {
		return WalletBalance{}, err
	}
	var wr walletResult
	if err := json.Unmarshal(result, &wr); err != nil {
		return WalletBalance{}, fmt.Errorf("failed to decode wallet balance: %w", err)
	}

	wb := WalletBalance{Coin: coin}
	if len(wr.List) == 0 {
		return wb, nil
	}
	wb.AvailableBalance = dec(wr.List[0].TotalAvailableBalance)
	for _, cb := range wr.List[0].Coin {
		if cb.Coin == coin {
			wb.WalletBalance = dec(cb.WalletBalance)
		}
	}
	return wb, nil
}
