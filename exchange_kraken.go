// FILE: exchange_kraken.go
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// KrakenExchange implements Exchange for Kraken spot REST.
// Auth: API-Key header plus API-Sign = HMAC-SHA512(path + SHA256(nonce+POST),
// base64-decoded secret). Public endpoints are unsigned.
//
// Kraken names the same pair three ways (altname XBTEUR, primary XXBTZEUR,
// ws name XBT/EUR); the client caches AssetPairs metadata so callers only
// ever deal in altnames.
type KrakenExchange struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret []byte
	nonce     atomic.Int64

	// lightweight cache of pair meta (altname keyed + reverse index)
	metaCache    map[string]PairInfo
	primaryToAlt map[string]string
}

// ---- construction ----

func NewKrakenExchange(key, secret string) (*KrakenExchange, error) {
	var dec []byte
	if secret != "" {
		var err error
		dec, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode KRAKEN_API_SECRET: %w", err)
		}
	}
	k := &KrakenExchange{
		client:       &http.Client{Timeout: 15 * time.Second},
		baseURL:      strings.TrimRight(getEnv("KRAKEN_API_BASE", "https://api.kraken.com"), "/"),
		apiKey:       key,
		apiSecret:    dec,
		metaCache:    map[string]PairInfo{},
		primaryToAlt: map[string]string{},
	}
	k.nonce.Store(time.Now().UnixNano())
	return k, nil
}

func (k *KrakenExchange) Name() string { return "kraken" }

// ---- request plumbing ----

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *KrakenExchange) public(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	u := k.baseURL + "/0/public/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return k.do(req)
}

func (k *KrakenExchange) private(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if k.apiKey == "" || len(k.apiSecret) == 0 {
		return nil, errors.New("kraken: private endpoint requires API credentials")
	}
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(k.nonce.Add(1), 10)
	params.Set("nonce", nonce)
	body := params.Encode()
	path := "/0/private/" + endpoint

	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, k.apiSecret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", k.apiKey)
	req.Header.Set("API-Sign", sign)
	return k.do(req)
}

func (k *KrakenExchange) do(req *http.Request) (json.RawMessage, error) {
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken: http %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	var env krakenEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("kraken: decode envelope: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, fmt.Errorf("kraken: %s", strings.Join(env.Error, "; "))
	}
	return env.Result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ---- interface methods ----

func (k *KrakenExchange) GetAssetPairs(ctx context.Context) (map[string]PairInfo, error) {
	raw, err := k.public(ctx, "AssetPairs", nil)
	if err != nil {
		return nil, err
	}
	var pairs map[string]struct {
		Altname string `json:"altname"`
		WSName  string `json:"wsname"`
		Base    string `json:"base"`
		Quote   string `json:"quote"`
	}
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("kraken: decode AssetPairs: %w", err)
	}
	out := make(map[string]PairInfo, len(pairs))
	for primary, p := range pairs {
		pi := PairInfo{Altname: p.Altname, Primary: primary, WSName: p.WSName, Base: p.Base, Quote: p.Quote}
		out[p.Altname] = pi
		k.metaCache[p.Altname] = pi
		k.primaryToAlt[primary] = p.Altname
	}
	return out, nil
}

func (k *KrakenExchange) GetBalance(ctx context.Context) (map[string]float64, error) {
	raw, err := k.private(ctx, "Balance", nil)
	if err != nil {
		return nil, err
	}
	var bal map[string]string
	if err := json.Unmarshal(raw, &bal); err != nil {
		return nil, fmt.Errorf("kraken: decode Balance: %w", err)
	}
	out := make(map[string]float64, len(bal))
	for asset, amt := range bal {
		f, err := strconv.ParseFloat(amt, 64)
		if err != nil {
			continue
		}
		out[asset] = f
	}
	return out, nil
}

func (k *KrakenExchange) GetLastPrices(ctx context.Context, pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return map[string]float64{}, nil
	}
	params := url.Values{"pair": {strings.Join(pairs, ",")}}
	raw, err := k.public(ctx, "Ticker", params)
	if err != nil {
		return nil, err
	}
	var tick map[string]struct {
		C []string `json:"c"` // last trade [price, lot volume]
	}
	if err := json.Unmarshal(raw, &tick); err != nil {
		return nil, fmt.Errorf("kraken: decode Ticker: %w", err)
	}
	out := make(map[string]float64, len(pairs))
	for key, t := range tick {
		if len(t.C) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(t.C[0], 64)
		if err != nil {
			continue
		}
		alt := key
		if a, ok := k.primaryToAlt[key]; ok {
			alt = a
		}
		out[alt] = price
	}
	return out, nil
}

func (k *KrakenExchange) GetOHLC(ctx context.Context, pair string, intervalMin int, since int64) ([]Candle, error) {
	params := url.Values{
		"pair":     {pair},
		"interval": {strconv.Itoa(intervalMin)},
	}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}
	raw, err := k.public(ctx, "OHLC", params)
	if err != nil {
		return nil, err
	}
	// result is {"<pair>": [[time, open, high, low, close, vwap, volume, count], ...], "last": N}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode OHLC: %w", err)
	}
	var rows [][]json.Number
	for key, v := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(v, &rows); err != nil {
			return nil, fmt.Errorf("kraken: decode OHLC rows: %w", err)
		}
		break
	}
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		ts, _ := r[0].Int64()
		o, _ := r[1].Float64()
		h, _ := r[2].Float64()
		l, _ := r[3].Float64()
		c, _ := r[4].Float64()
		v, _ := r[6].Float64()
		out = append(out, Candle{Time: time.Unix(ts, 0).UTC(), Open: o, High: h, Low: l, Close: c, Volume: v})
	}
	return out, nil
}

func (k *KrakenExchange) GetClosedOrders(ctx context.Context, since, until int64) (map[string]Order, error) {
	params := url.Values{
		"start": {strconv.FormatInt(since, 10)},
		"end":   {strconv.FormatInt(until, 10)},
	}
	raw, err := k.private(ctx, "ClosedOrders", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Closed map[string]struct {
			Status  string  `json:"status"`
			CloseTm float64 `json:"closetm"`
			Price   string  `json:"price"`
			VolExec string  `json:"vol_exec"`
			Cost    string  `json:"cost"`
			Descr   struct {
				Pair string `json:"pair"`
				Type string `json:"type"`
			} `json:"descr"`
		} `json:"closed"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode ClosedOrders: %w", err)
	}
	out := make(map[string]Order, len(result.Closed))
	for id, o := range result.Closed {
		if o.Status != "closed" {
			continue
		}
		side := Side(o.Descr.Type)
		if side != SideBuy && side != SideSell {
			continue
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		vol, _ := strconv.ParseFloat(o.VolExec, 64)
		cost, _ := strconv.ParseFloat(o.Cost, 64)
		sec, frac := int64(o.CloseTm), o.CloseTm-float64(int64(o.CloseTm))
		out[id] = Order{
			ID:     id,
			Pair:   o.Descr.Pair,
			Side:   side,
			Price:  price,
			Volume: vol,
			Cost:   cost,
			Closed: time.Unix(sec, int64(frac*1e9)).UTC(),
		}
	}
	return out, nil
}

func (k *KrakenExchange) PlaceLimitOrder(ctx context.Context, pair string, side Side, price, volume float64) (string, error) {
	params := url.Values{
		"pair":      {pair},
		"type":      {string(side)},
		"ordertype": {"limit"},
		"price":     {strconv.FormatFloat(price, 'f', 1, 64)},
		"volume":    {strconv.FormatFloat(volume, 'f', 8, 64)},
		"cl_ord_id": {uuid.NewString()},
	}
	raw, err := k.private(ctx, "AddOrder", params)
	if err != nil {
		return "", err
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("kraken: decode AddOrder: %w", err)
	}
	if len(result.TxID) == 0 {
		return "", errors.New("kraken: AddOrder returned no txid")
	}
	logger.Info().Str("pair", pair).Str("side", string(side)).
		Float64("price", price).Float64("volume", volume).
		Str("order", result.TxID[0]).Msg("limit order placed")
	return result.TxID[0], nil
}

func (k *KrakenExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	params := url.Values{"txid": {orderID}}
	raw, err := k.private(ctx, "CancelOrder", params)
	if err != nil {
		return false, err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("kraken: decode CancelOrder: %w", err)
	}
	return result.Count > 0, nil
}
