package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"riskbot/internal/venue"
)

type bybitResponse[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type instrumentInfo struct {
	List []struct {
		Symbol      string `json:"symbol"`
		BaseCoin    string `json:"baseCoin"`
		QuoteCoin   string `json:"quoteCoin"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			MinOrderQty string `json:"minOrderQty"`
			MinOrderAmt string `json:"minOrderAmt"`
			QtyStep     string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (venue.InstrumentRules, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp bybitResponse[instrumentInfo]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &resp); err != nil {
		return venue.InstrumentRules{}, err
	}
	if len(resp.Result.List) == 0 {
		return venue.InstrumentRules{}, fmt.Errorf("Торговая пара не найдена: %s", symbol)
	}

	info := resp.Result.List[0]
	tick, _ := strconv.ParseFloat(info.PriceFilter.TickSize, 64)
	lot, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
	minNotional, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderAmt, 64)

	return venue.InstrumentRules{
		TickSize:    tick,
		LotSize:     lot,
		MinQty:      minQty,
		MinNotional: minNotional,
		BaseCoin:    info.BaseCoin,
		QuoteCoin:   info.QuoteCoin,
	}, nil
}

type walletBalance struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

func (c *Client) GetBalances(ctx context.Context, coins []string) (map[string]venue.Balance, error) {
	params := url.Values{}
	accountType := c.accountType
	if accountType == "" {
		accountType = "UNIFIED"
	}
	params.Set("accountType", accountType)

	var resp bybitResponse[walletBalance]
	if err := c.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &resp); err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, coin := range coins {
		wanted[coin] = true
	}

	result := map[string]venue.Balance{}
	for _, acc := range resp.Result.List {
		for _, coin := range acc.Coin {
			if len(wanted) > 0 && !wanted[coin.Coin] {
				continue
			}
			wallet, _ := strconv.ParseFloat(coin.WalletBalance, 64)
			available, _ := strconv.ParseFloat(coin.AvailableToWithdraw, 64)
			result[coin.Coin] = venue.Balance{
				Coin:      coin.Coin,
				Wallet:    wallet,
				Available: available,
			}
		}
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any, auth bool, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
		bodyStr = string(payload)
		bodyReader = bytes.NewReader(payload)
	}

	urlStr := c.baseURL + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	if auth {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recvWindow := "5000"
		query := ""
		if method == http.MethodGet && len(params) > 0 {
			query = params.Encode()
		}
		signBase := timestamp + c.apiKey + recvWindow + query + bodyStr
		signature := sign(c.secret, signBase)
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать ответ: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}

	if retCode, retMsg, ok := retCodeOf(out); ok && retCode != 0 {
		return fmt.Errorf("Ошибка bybit: %s (code=%d)", retMsg, retCode)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("Неуспешный статус: %s", resp.Status)
	}

	return nil
}

type retCoder interface {
	retCode() (int, string)
}

func (r bybitResponse[T]) retCode() (int, string) {
	return r.RetCode, r.RetMsg
}

func retCodeOf(v any) (int, string, bool) {
	rc, ok := v.(retCoder)
	if !ok {
		return 0, "", false
	}
	code, msg := rc.retCode()
	return code, msg, true
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
