package bybit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/segmentio/encoding/json"

	"marketfeed/internal/book"
	"marketfeed/internal/metrics"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
	"marketfeed/models"
)

const DefaultRESTURL = "https://api.bybit.com"

const maxSnapshotLimit = 200

type orderbookResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		TS       int64      `json:"ts"`
		UpdateID int64      `json:"u"`
	} `json:"result"`
}

// SnapshotClient fetches order book snapshots from the v5 market API.
type SnapshotClient struct {
	client   *bybit.Client
	category string
	log      *logger.Log
}

// NewSnapshotClient returns a snapshot client for category ("spot" or
// "linear") served at restURL.
func NewSnapshotClient(restURL, category string, httpClient *http.Client) *SnapshotClient {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if category == "" {
		category = "spot"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	wrapped := *httpClient
	wrapped.Transport = &metrics.WeightTransport{Vendor: string(models.Bybit), Base: httpClient.Transport}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(restURL, "/")))
	client.HTTPClient = &wrapped
	return &SnapshotClient{client: client, category: category, log: logger.GetLogger()}
}

func (c *SnapshotClient) Vendor() models.Vendor { return models.Bybit }

func (c *SnapshotClient) OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error) {
	symbol := pair.Concat()
	log := c.log.WithComponent("bybit_snapshot").WithFields(logger.Fields{"symbol": symbol})

	limit := depth
	if limit <= 0 || limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"limit":    limit,
	}

	start := time.Now()
	res, err := c.fetch(ctx, params)
	took := time.Since(start)
	metrics.SnapshotRequest(string(models.Bybit), took, err)
	if err != nil {
		metrics.ReportLimitFromMessage(c.log, string(models.Bybit), pair.String(), err.Error())
		log.WithError(err).Warn("failed to fetch orderbook")
		return models.OrderBookRecord{}, fmt.Errorf("bybit orderbook %s: %w", symbol, err)
	}
	logger.LogPerformanceEntry(log, "bybit_snapshot", "api_request", took, logger.Fields{"symbol": symbol})

	if res.Result.Symbol != "" {
		if got, err := symbols.DefaultCodec().Parse(res.Result.Symbol); err == nil && got != pair {
			return models.OrderBookRecord{}, fmt.Errorf("bybit orderbook %s: response for %s", symbol, got)
		}
	}
	bids, err := book.ParseLevels(res.Result.Bids)
	if err != nil {
		return models.OrderBookRecord{}, err
	}
	asks, err := book.ParseLevels(res.Result.Asks)
	if err != nil {
		return models.OrderBookRecord{}, err
	}
	b := book.New(pair)
	b.ApplySnapshot(bids, asks, res.Result.UpdateID)

	ts := time.Now().UTC()
	if res.Result.TS > 0 {
		ts = time.UnixMilli(res.Result.TS).UTC()
	}
	return b.Record(models.Bybit, ts, depth), nil
}

func (c *SnapshotClient) fetch(ctx context.Context, params map[string]interface{}) (*orderbookResponse, error) {
	resp, err := c.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var res orderbookResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if res.RetCode != 0 {
		return nil, fmt.Errorf("retCode %d: %s", res.RetCode, res.RetMsg)
	}
	return &res, nil
}
