package bybit

import (
	"net/http"
	"time"

	"riskbot/internal/logger"
	"riskbot/internal/venue"
)

// Client — адаптер Bybit v5: подписанный REST плюс приватный/публичный WS.
// Сырые события соединения уходят в health sink, событие — в общий канал.
type Client struct {
	baseURL      string
	wsPublicURL  string
	wsPrivateURL string
	accountType  string
	apiKey       string
	secret       string

	httpClient *http.Client
	log        *logger.Logger
	health     venue.HealthSink

	events    chan venue.Event
	wsPublic  *wsConn
	wsPrivate *wsConn
}

func New(baseURL, wsPublicURL, wsPrivateURL, accountType, apiKey, secret string, log *logger.Logger, health venue.HealthSink) *Client {
	if health == nil {
		health = venue.NopHealth{}
	}
	return &Client{
		baseURL:      baseURL,
		wsPublicURL:  wsPublicURL,
		wsPrivateURL: wsPrivateURL,
		accountType:  accountType,
		apiKey:       apiKey,
		secret:       secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log:    log,
		health: health,
		events: make(chan venue.Event, 256),
	}
}
