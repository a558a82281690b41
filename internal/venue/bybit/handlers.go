package bybit

import (
	"encoding/json"
	"strconv"
	"time"

	"riskbot/internal/models"
	"riskbot/internal/venue"
)

func (w *wsConn) handleExecution(msg wsMessage) {
	var data []struct {
		OrderID     string `json:"orderId"`
		OrderLink   string `json:"orderLinkId"`
		ExecID      string `json:"execId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		ExecPrice   string `json:"execPrice"`
		ExecQty     string `json:"execQty"`
		ExecFee     string `json:"execFee"`
		FeeCurrency string `json:"feeCurrency"`
		LeavesQty   string `json:"leavesQty"`
		ExecTime    string `json:"execTime"`
		Seq         int64  `json:"seq"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать execution.")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"symbol":        item.Symbol,
			"side":          item.Side,
			"exec_id":       item.ExecID,
			"order_id":      item.OrderID,
			"order_link_id": item.OrderLink,
			"price":         item.ExecPrice,
			"qty":           item.ExecQty,
			"fee":           item.ExecFee,
			"ts":            item.ExecTime,
			"seq":           item.Seq,
		}).Debug("execution")

		price, _ := strconv.ParseFloat(item.ExecPrice, 64)
		qty, _ := strconv.ParseFloat(item.ExecQty, 64)
		fee, _ := strconv.ParseFloat(item.ExecFee, 64)
		leaves, _ := strconv.ParseFloat(item.LeavesQty, 64)
		tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)

		side := models.OrderSideSell
		if item.Side == "Buy" {
			side = models.OrderSideBuy
		}

		ok := w.emit(venue.Event{
			Type: venue.EventTypeFill,
			Fill: &models.Fill{
				OrderClientID:   item.OrderLink,
				VenueOrderID:    item.OrderID,
				ExecID:          item.ExecID,
				Symbol:          item.Symbol,
				Side:            side,
				Qty:             qty,
				Price:           price,
				Commission:      fee,
				CommissionAsset: item.FeeCurrency,
				IsFinal:         leaves == 0,
				Timestamp:       time.UnixMilli(tsMs),
				Sequence:        item.Seq,
			},
		})
		if !ok {
			return
		}
	}
}

func (w *wsConn) handleOrder(msg wsMessage) {
	var data []struct {
		OrderID      string `json:"orderId"`
		OrderLink    string `json:"orderLinkId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		OrderType    string `json:"orderType"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		CumExecQty   string `json:"cumExecQty"`
		AvgPrice     string `json:"avgPrice"`
		OrderStatus  string `json:"orderStatus"`
		CancelType   string `json:"cancelType"`
		RejectReason string `json:"rejectReason"`
		TimeInForce  string `json:"timeInForce"`
		Seq          int64  `json:"seq"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать order.")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"symbol":        item.Symbol,
			"side":          item.Side,
			"order_id":      item.OrderID,
			"order_link_id": item.OrderLink,
			"type":          item.OrderType,
			"status":        item.OrderStatus,
			"cancel_type":   item.CancelType,
			"reject_reason": item.RejectReason,
			"price":         item.Price,
			"qty":           item.Qty,
			"seq":           item.Seq,
		}).Debug("order")

		price, _ := strconv.ParseFloat(item.Price, 64)
		qty, _ := strconv.ParseFloat(item.Qty, 64)
		filled, _ := strconv.ParseFloat(item.CumExecQty, 64)
		avg, _ := strconv.ParseFloat(item.AvgPrice, 64)

		side := models.OrderSideSell
		if item.Side == "Buy" {
			side = models.OrderSideBuy
		}
		orderType := models.OrderTypeMarket
		if item.OrderType == "Limit" {
			orderType = models.OrderTypeLimit
		}

		ok := w.emit(venue.Event{
			Type: venue.EventTypeOrder,
			Order: &models.Order{
				ClientID:     item.OrderLink,
				VenueID:      item.OrderID,
				Symbol:       item.Symbol,
				Side:         side,
				Type:         orderType,
				RequestedQty: qty,
				LimitPrice:   price,
				State:        mapOrderState(item.OrderStatus),
				FilledQty:    filled,
				AvgFillPrice: avg,
				RejectReason: item.RejectReason,
				TimeInForce:  item.TimeInForce,
				Sequence:     item.Seq,
			},
		})
		if !ok {
			return
		}
	}
}

func (w *wsConn) handleTicker(msg wsMessage) {
	var data []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Seq       int64  `json:"seq"`
		TS        int64  `json:"ts"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		var single struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Seq       int64  `json:"seq"`
			TS        int64  `json:"ts"`
		}
		if err := json.Unmarshal(msg.Data, &single); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать ticker.")
			return
		}
		data = append(data, single)
	}

	for _, item := range data {
		price, _ := strconv.ParseFloat(item.LastPrice, 64)

		seq := item.Seq
		if seq == 0 {
			if item.TS > 0 {
				seq = item.TS
			} else {
				seq = msg.TS
			}
		}

		ok := w.emit(venue.Event{
			Type: venue.EventTypeTicker,
			Ticker: &models.Ticker{
				Symbol:    item.Symbol,
				LastPrice: price,
				Timestamp: time.UnixMilli(msg.TS),
				Sequence:  seq,
			},
		})
		if !ok {
			return
		}
	}
}
