package quote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"arena/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const DefaultDexScreenerURL = "https://api.dexscreener.com"

type dexscreenerResponse struct {
	Pairs []dexscreenerPair `json:"pairs"`
}

type dexscreenerPair struct {
	ChainID     string               `json:"chainId"`
	PairAddress string               `json:"pairAddress"`
	BaseToken   dexscreenerToken     `json:"baseToken"`
	PriceUsd    string               `json:"priceUsd"`
	Volume      dexscreenerWindow    `json:"volume"`
	PriceChange dexscreenerWindow    `json:"priceChange"`
	Liquidity   dexscreenerLiquidity `json:"liquidity"`
}

type dexscreenerToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dexscreenerWindow struct {
	H24 float64 `json:"h24"`
}

type dexscreenerLiquidity struct {
	USD float64 `json:"usd"`
}

// DexScreener reads pools from the public dexscreener API.
//
// Symbols listed in Tokens are resolved by token address, anything else goes
// through the search endpoint and is filtered on the base token symbol.
type DexScreener struct {
	BaseURL string
	Tokens  map[string]string
	Client  *http.Client
}

func NewDexScreener(baseURL string, tokens map[string]string) *DexScreener {
	if baseURL == "" {
		baseURL = DefaultDexScreenerURL
	}
	return &DexScreener{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Tokens:  tokens,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DexScreener) ID() string {
	return "dexscreener"
}

func (d *DexScreener) Fetch(ctx context.Context, symbol string) ([]Pool, error) {
	endpoint := d.BaseURL + "/latest/dex/search?q=" + url.QueryEscape(symbol)
	byAddress := false
	if addr, ok := d.Tokens[symbol]; ok && addr != "" {
		endpoint = d.BaseURL + "/latest/dex/tokens/" + url.PathEscape(addr)
		byAddress = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(exception.ErrSourceFetch, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(exception.ErrSourceFetch, "unexpected status %d", resp.StatusCode)
	}

	var payload dexscreenerResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	pools := make([]Pool, 0, len(payload.Pairs))
	for _, p := range payload.Pairs {
		if !byAddress && !strings.EqualFold(p.BaseToken.Symbol, symbol) {
			continue
		}
		price, err := decimal.NewFromString(p.PriceUsd)
		if err != nil || !price.IsPositive() {
			continue
		}
		pools = append(pools, Pool{
			SourceID:       d.ID(),
			PairAddress:    p.PairAddress,
			PriceUSD:       price,
			PriceChange24h: decimal.NewFromFloat(p.PriceChange.H24),
			Volume24h:      decimal.NewFromFloat(p.Volume.H24),
			Liquidity:      decimal.NewFromFloat(p.Liquidity.USD),
		})
	}
	return pools, nil
}
