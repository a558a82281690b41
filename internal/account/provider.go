package account

import (
	"context"

	"riskbot/internal/models"
	"riskbot/internal/venue"
)

// Provider — источник состояния аккаунта. Внешний коллаборатор ядра:
// риск-менеджеру важны только equity и открытые позиции.
type Provider interface {
	CurrentEquity(ctx context.Context) (float64, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)
}

// VenueProvider считает equity по балансам биржи: котируемая монета плюс
// базовая по последней цене. Цену отдаёт вызывающий через markFn, чтобы
// не плодить второй поток тикеров.
type VenueProvider struct {
	client    venue.Client
	baseCoin  string
	quoteCoin string
	symbol    string
	markFn    func(symbol string) float64
}

func NewVenueProvider(client venue.Client, rules venue.InstrumentRules, symbol string, markFn func(string) float64) *VenueProvider {
	return &VenueProvider{
		client:    client,
		baseCoin:  rules.BaseCoin,
		quoteCoin: rules.QuoteCoin,
		symbol:    symbol,
		markFn:    markFn,
	}
}

func (p *VenueProvider) CurrentEquity(ctx context.Context) (float64, error) {
	coins := []string{}
	if p.baseCoin != "" {
		coins = append(coins, p.baseCoin)
	}
	if p.quoteCoin != "" && p.quoteCoin != p.baseCoin {
		coins = append(coins, p.quoteCoin)
	}
	balances, err := p.client.GetBalances(ctx, coins)
	if err != nil {
		return 0, err
	}

	equity := 0.0
	if bal, ok := balances[p.quoteCoin]; ok {
		equity += wallet(bal)
	}
	if bal, ok := balances[p.baseCoin]; ok {
		if mark := p.markFn(p.symbol); mark > 0 {
			equity += wallet(bal) * mark
		}
	}
	return equity, nil
}

func (p *VenueProvider) OpenPositions(ctx context.Context) ([]models.Position, error) {
	if p.baseCoin == "" {
		return nil, nil
	}
	balances, err := p.client.GetBalances(ctx, []string{p.baseCoin})
	if err != nil {
		return nil, err
	}
	bal, ok := balances[p.baseCoin]
	if !ok || wallet(bal) == 0 {
		return nil, nil
	}
	return []models.Position{{
		Symbol:   p.symbol,
		Qty:      wallet(bal),
		AvgPrice: p.markFn(p.symbol),
	}}, nil
}

func wallet(bal venue.Balance) float64 {
	if bal.Wallet > 0 {
		return bal.Wallet
	}
	return bal.Available
}
