package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"arena/internal/model"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// frame is the union of the server messages the bot reads.
type frame struct {
	Type      string                    `json:"type"`
	Tick      uint64                    `json:"tick"`
	Prices    map[string]model.Quote    `json:"prices"`
	Success   bool                      `json:"success"`
	Message   string                    `json:"message"`
	Balance   decimal.Decimal           `json:"balance"`
	Positions map[string]model.Position `json:"positions"`
	Epoch     uint64                    `json:"epoch"`
	MyRank    int                       `json:"my_rank"`
	YouLost   bool                      `json:"you_eliminated"`
}

type order struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Reason []string        `json:"reason"`
}

type bot struct {
	wss    *ws.WebSocket
	symbol string
	budget decimal.Decimal

	last decimal.Decimal
	held decimal.Decimal
}

func main() {
	base := flag.String("url", "http://localhost:8080", "Arena base URL")
	agentID := flag.String("id", "", "Agent id (default: random)")
	symbol := flag.String("symbol", "SOL", "Symbol to trade")
	budget := flag.String("budget", "50", "USD spent per buy")
	flag.Parse()

	if *agentID == "" {
		*agentID = "bot-" + uuid.NewString()[:8]
	}
	if err := run(*base, *agentID, strings.ToUpper(*symbol), decimal.RequireFromString(*budget)); err != nil {
		logs.Errorf("bot: %+v", err)
		os.Exit(1)
	}
}

func run(base, agentID, symbol string, budget decimal.Decimal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiKey, err := register(ctx, base, agentID)
	if err != nil {
		return err
	}
	logs.Infof("bot: registered %s", agentID)

	wsURL, err := channelURL(base, agentID, apiKey)
	if err != nil {
		return err
	}
	b := &bot{wss: ws.New(ctx, wsURL), symbol: symbol, budget: budget}
	defer b.wss.Close()
	if err := b.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start channel")
	}

	ticks := make(chan frame, 1)
	ch, unsubscribe := b.wss.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					cancel()
					return
				}
				f, ok := ws.ReadMessage[frame](m)
				if !ok {
					continue
				}
				switch f.Type {
				case "price_update":
					select {
					case <-ticks:
					default:
					}
					ticks <- f
				case "epoch_end":
					logs.Infof("bot: epoch %d closed, rank %d", f.Epoch, f.MyRank)
					if f.YouLost {
						logs.Info("bot: eliminated")
						cancel()
						return
					}
				case "error":
					logs.Errorf("bot: server error: %s", f.Message)
				}
			}
		}
	}()

	for {
		select {
		case <-sys.Shutdown():
			return nil
		case <-ctx.Done():
			return nil
		case f := <-ticks:
			b.onTick(ctx, f)
		}
	}
}

// onTick buys into a rising price and sells everything on a fall.
func (b *bot) onTick(ctx context.Context, f frame) {
	q, ok := f.Prices[b.symbol]
	if !ok {
		return
	}
	prev := b.last
	b.last = q.PriceUSD
	if prev.IsZero() || q.PriceUSD.Equal(prev) {
		return
	}

	o := order{Type: "order", Symbol: b.symbol}
	switch {
	case q.PriceUSD.GreaterThan(prev):
		o.Side, o.Amount, o.Reason = "BUY", b.budget, []string{"momentum"}
	case b.held.IsPositive():
		o.Side, o.Amount, o.Reason = "SELL", b.held, []string{"stop"}
	default:
		return
	}

	res, err := b.send(ctx, o)
	if err != nil {
		logs.Errorf("bot: tick %d order, err: %+v", f.Tick, err)
		return
	}
	if !res.Success {
		logs.Infof("bot: tick %d %s rejected: %s", f.Tick, o.Side, res.Message)
		return
	}
	b.held = res.Positions[b.symbol].Quantity
	logs.Infof("bot: tick %d %s, balance %s", f.Tick, res.Message, res.Balance)
}

func (b *bot) send(ctx context.Context, o order) (frame, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result frame
	err := b.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			if err := client.WriteJSON(o); err != nil {
				return errors.Wrap(err, "write order")
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			f, ok := ws.ReadMessage[frame](m)
			if !ok || f.Type != "order_result" {
				return false, nil
			}
			result = f
			return true, nil
		},
	}, false)
	if err != nil {
		return frame{}, errors.Wrap(err, "send and wait")
	}
	return result, nil
}

func register(ctx context.Context, base, agentID string) (string, error) {
	body, err := sonic.Marshal(map[string]string{"agent_id": agentID})
	if err != nil {
		return "", errors.Wrap(err, "marshal register request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/register", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "new register request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "register")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read register response")
	}
	if resp.StatusCode != http.StatusCreated {
		return "", errors.Errorf("register %s: status %d: %s", agentID, resp.StatusCode, data)
	}
	var out struct {
		APIKey string `json:"api_key"`
	}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "decode register response")
	}
	return out.APIKey, nil
}

func channelURL(base, agentID, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"agent_id": {agentID}, "api_key": {apiKey}}.Encode()
	return u.String(), nil
}
