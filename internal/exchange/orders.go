package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trogers1052/signal-executor/internal/models"
)

func (r OrderRequest) validate() error {
	return Params{
		{"category", r.Category}, {"symbol", r.Symbol}, {"side", r.Side},
		{"orderType", r.OrderType}, {"qty", r.Qty}, {"price", r.Price},
		{"timeInForce", r.TimeInForce}, {"orderLinkId", r.OrderLinkID},
	}.validate()
}

// PlaceOrder submits /v5/order/create.
func (c *Client) PlaceOrder(ctx context.Context, keys Keys, req OrderRequest) (OrderAck, error) {
	if err := req.validate(); err != nil {
		return OrderAck{}, err
	}
	result, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", keys, nil, req)
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("failed to decode order ack: %w", err)
	}
	return ack, nil
}

// CancelOrder submits /v5/order/cancel.
func (c *Client) CancelOrder(ctx context.Context, keys Keys, req CancelRequest) (OrderAck, error) {
	err := Params{
		{"category", req.Category}, {"symbol", req.Symbol},
		{"orderId", req.OrderID}, {"orderLinkId", req.OrderLinkID},
	}.validate()
	if err != nil {
		return OrderAck{}, err
	}
	result, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", keys, nil, req)
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("failed to decode cancel ack: %w", err)
	}
	return ack, nil
}

// GetOrder looks up an order by its client link id. It returns nil when the
// exchange has no such order.
func (c *Client) GetOrder(ctx context.Context, keys Keys, category, symbol, orderLinkID string) (*OrderInfo, error) {
	q := Params{}.Add("category", category).Add("symbol", symbol).Add("orderLinkId", orderLinkID)
	result, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", keys, q, nil)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.RetCode == CodeOrderNotExists {
			return nil, nil
		}
		return nil, err
	}
	var list listResult[OrderInfo]
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("failed to decode order list: %w", err)
	}
	for i := range list.List {
		if list.List[i].OrderLinkID == orderLinkID {
			return &list.List[i], nil
		}
	}
	return nil, nil
}

// MapOrderStatus converts the exchange orderStatus into our state machine.
// ok is false for statuses that are not a state change (e.g. Untriggered).
func MapOrderStatus(s string) (models.OrderStatus, bool) {
	switch s {
	case "New", "Created":
		return models.OrderSubmitted, true
	case "PartiallyFilled":
		return models.OrderPartiallyFilled, true
	case "Filled":
		return models.OrderFilled, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.OrderCancelled, true
	case "Rejected":
		return models.OrderRejected, true
	default:
		return "", false
	}
}
