// wire.go builds the per-exchange wsclient.Config and OKX subscribe
// frames.
package manager

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sequex/marketdata-core/internal/config"
	"github.com/sequex/marketdata-core/internal/orderbook"
	"github.com/sequex/marketdata-core/internal/wsclient"
)

const (
	binanceSpotWSBase        = "wss://stream.binance.com:9443/ws/"
	binanceDerivativesWSBase = "wss://fstream.binance.com/ws/"
	okxPublicWSURL           = "wss://ws.okx.com:8443/ws/v5/public"
)

func wsConfigFor(exchange orderbook.Exchange, rawSymbol string, cc config.CollectorConfig) wsclient.Config {
	cfg := wsclient.Config{
		PingInterval:         cc.PingInterval(),
		DialTimeout:          10 * time.Second,
		BackoffBase:          cc.ReconnectDelay(),
		MaxBackoff:           300 * time.Second,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
	}

	switch exchange {
	case orderbook.ExchangeBinanceSpot:
		cfg.URL = binanceSpotWSBase + strings.ToLower(rawSymbol) + "@depth"
	case orderbook.ExchangeBinanceDerivatives:
		cfg.URL = binanceDerivativesWSBase + strings.ToLower(rawSymbol) + "@depth"
	case orderbook.ExchangeOKXSpot, orderbook.ExchangeOKXDerivatives:
		cfg.URL = okxPublicWSURL
		cfg.Subscribe = okxSubscribeFrame("subscribe", okxChannelFor(cc.WebsocketDepth), rawSymbol)
		cfg.HandshakeOnly = true
	}
	return cfg
}

// okxChannelFor picks the books channel matching the configured
// websocket depth: books5 pushes the full top 5 on every tick, books is
// the 400-level incremental stream. Binance has no equivalent choice —
// its diff stream comes in one depth.
func okxChannelFor(depth int) string {
	if depth > 0 && depth <= 5 {
		return "books5"
	}
	return "books"
}

type okxSubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxSubscribeMsg struct {
	Op   string            `json:"op"`
	Args []okxSubscribeArg `json:"args"`
}

func okxSubscribeFrame(op, channel, rawSymbol string) []byte {
	msg := okxSubscribeMsg{Op: op, Args: []okxSubscribeArg{{Channel: channel, InstID: rawSymbol}}}
	b, err := json.Marshal(msg)
	if err != nil {
		// Marshal of a fixed, field-complete struct never fails.
		panic(fmt.Sprintf("manager: marshal okx subscribe frame: %v", err))
	}
	return b
}
