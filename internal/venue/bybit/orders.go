package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"riskbot/internal/models"
)

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mapOrderState(status string) models.OrderState {
	switch status {
	case "New", "Created", "Untriggered":
		return models.OrderStateOpen
	case "PartiallyFilled":
		return models.OrderStatePartiallyFilled
	case "Filled":
		return models.OrderStateFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return models.OrderStateCancelled
	case "Rejected":
		return models.OrderStateRejected
	case "Deactivated", "Expired":
		return models.OrderStateExpired
	default:
		return models.OrderState(status)
	}
}

func bybitSide(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t models.OrderType) string {
	if t == models.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

type placeOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	body := map[string]string{
		"category":    "spot",
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.Type),
		"qty":         formatQty(order.RequestedQty),
		"orderLinkId": order.ClientID,
	}
	if order.Type == models.OrderTypeLimit {
		body["price"] = formatQty(order.LimitPrice)
	}
	if order.TimeInForce != "" {
		body["timeInForce"] = order.TimeInForce
	}

	var resp bybitResponse[placeOrderResult]
	if err := c.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		return models.Order{}, err
	}

	placed := order
	placed.VenueID = resp.Result.OrderID
	return placed, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, venueID string) error {
	body := map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  venueID,
	}

	var resp bybitResponse[placeOrderResult]
	return c.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, &resp)
}

type orderList struct {
	List []orderItem `json:"list"`
}

type orderItem struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	TimeInForce  string `json:"timeInForce"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (item orderItem) toOrder() models.Order {
	price, _ := strconv.ParseFloat(item.Price, 64)
	qty, _ := strconv.ParseFloat(item.Qty, 64)
	filled, _ := strconv.ParseFloat(item.CumExecQty, 64)
	avg, _ := strconv.ParseFloat(item.AvgPrice, 64)
	fee, _ := strconv.ParseFloat(item.CumExecFee, 64)
	createdMs, _ := strconv.ParseInt(item.CreatedTime, 10, 64)
	updatedMs, _ := strconv.ParseInt(item.UpdatedTime, 10, 64)

	side := models.OrderSideSell
	if item.Side == "Buy" {
		side = models.OrderSideBuy
	}
	orderType := models.OrderTypeMarket
	if item.OrderType == "Limit" {
		orderType = models.OrderTypeLimit
	}

	return models.Order{
		ClientID:        item.OrderLinkID,
		VenueID:         item.OrderID,
		Symbol:          item.Symbol,
		Side:            side,
		Type:            orderType,
		RequestedQty:    qty,
		LimitPrice:      price,
		State:           mapOrderState(item.OrderStatus),
		FilledQty:       filled,
		AvgFillPrice:    avg,
		CommissionTotal: fee,
		RejectReason:    item.RejectReason,
		TimeInForce:     item.TimeInForce,
		CreatedAt:       time.UnixMilli(createdMs),
		UpdatedAt:       time.UnixMilli(updatedMs),
	}
}

// GetOrderStatus ищет ордер по client_id среди активных, затем в истории.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientID string) (models.Order, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := url.Values{}
		params.Set("category", "spot")
		params.Set("symbol", symbol)
		params.Set("orderLinkId", clientID)

		var resp bybitResponse[orderList]
		if err := c.doRequest(ctx, http.MethodGet, path, params, nil, true, &resp); err != nil {
			return models.Order{}, err
		}
		if len(resp.Result.List) > 0 {
			return resp.Result.List[0].toOrder(), nil
		}
	}
	return models.Order{}, fmt.Errorf("Order does not exist: %s", clientID)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp bybitResponse[orderList]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, nil, true, &resp); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(resp.Result.List))
	for _, item := range resp.Result.List {
		orders = append(orders, item.toOrder())
	}
	return orders, nil
}

type executionList struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		ExecID      string `json:"execId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		ExecPrice   string `json:"execPrice"`
		ExecQty     string `json:"execQty"`
		ExecFee     string `json:"execFee"`
		FeeCurrency string `json:"feeCurrency"`
		ExecTime    string `json:"execTime"`
		IsMaker     bool   `json:"isMaker"`
	} `json:"list"`
}

func (c *Client) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp bybitResponse[executionList]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/execution/list", params, nil, true, &resp); err != nil {
		return nil, err
	}

	fills := make([]models.Fill, 0, len(resp.Result.List))
	// Bybit отдаёт последние исполнения первыми, разворачиваем в порядок
	// доставки.
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		item := resp.Result.List[i]
		price, _ := strconv.ParseFloat(item.ExecPrice, 64)
		qty, _ := strconv.ParseFloat(item.ExecQty, 64)
		fee, _ := strconv.ParseFloat(item.ExecFee, 64)
		tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)

		side := models.OrderSideSell
		if item.Side == "Buy" {
			side = models.OrderSideBuy
		}

		fills = append(fills, models.Fill{
			OrderClientID:   item.OrderLinkID,
			VenueOrderID:    item.OrderID,
			ExecID:          item.ExecID,
			Symbol:          item.Symbol,
			Side:            side,
			Qty:             qty,
			Price:           price,
			Commission:      fee,
			CommissionAsset: item.FeeCurrency,
			Timestamp:       time.UnixMilli(tsMs),
		})
	}
	return fills, nil
}
