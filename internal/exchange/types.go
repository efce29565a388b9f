package exchange

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// OrderRequest is the body of /v5/order/create. Field order is the order
// serialised into the signed JSON body.
type OrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	ReduceOnly  bool   `json:"reduceOnly"`
}

// CancelRequest is the body of /v5/order/cancel.
type CancelRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// OrderAck is the create/cancel result.
type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// OrderInfo is one entry of /v5/order/realtime.
type OrderInfo struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	RejectReason string `json:"rejectReason"`
}

// PositionInfo is one entry of /v5/position/list.
type PositionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
}

// WalletBalance summarises /v5/account/wallet-balance for one coin.
type WalletBalance struct {
	Coin             string
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
}

type listResult[T any] struct {
	List []T `json:"list"`
}

type walletResult struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		Coin                  []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Equity        string `json:"equity"`
		} `json:"coin"`
	} `json:"list"`
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

// dec parses an exchange numeric string; empty and malformed values are zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
