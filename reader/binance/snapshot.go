package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

const (
	DefaultSpotRESTURL    = "https://api.binance.com"
	DefaultUSRESTURL      = "https://api.binance.us"
	DefaultFuturesRESTURL = "https://fapi.binance.com"
)

// snapshotLimits are the depth limits the REST depth endpoints accept.
var snapshotLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// SnapshotClient fetches order book snapshots over REST, either from the
// spot API or the USD-M futures API.
type SnapshotClient struct {
	vendor  models.Vendor
	spot    *gobinance.Client
	futures *futures.Client
	log     *logger.Log
}

// NewSpotSnapshotClient targets a spot REST API; Binance and Binance US
// differ only in restURL.
func NewSpotSnapshotClient(vendor models.Vendor, restURL string, httpClient *http.Client) *SnapshotClient {
	if restURL == "" {
		restURL = DefaultSpotRESTURL
	}
	client := gobinance.NewClient("", "")
	client.HTTPClient = instrument(vendor, httpClient)
	client.BaseURL = strings.TrimRight(restURL, "/")
	return &SnapshotClient{vendor: vendor, spot: client, log: logger.GetLogger()}
}

// NewFuturesSnapshotClient targets the USD-M futures REST API.
func NewFuturesSnapshotClient(restURL string, httpClient *http.Client) *SnapshotClient {
	if restURL == "" {
		restURL = DefaultFuturesRESTURL
	}
	client := futures.NewClient("", "")
	client.HTTPClient = instrument(models.BinanceFutures, httpClient)
	client.SetApiEndpoint(strings.TrimRight(restURL, "/"))
	return &SnapshotClient{vendor: models.BinanceFutures, futures: client, log: logger.GetLogger()}
}

func instrument(vendor models.Vendor, httpClient *http.Client) *http.Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	wrapped := *httpClient
	wrapped.Transport = &metrics.WeightTransport{Vendor: string(vendor), Base: httpClient.Transport}
	return &wrapped
}

func (c *SnapshotClient) Vendor() models.Vendor { return c.vendor }

// OrderBookSnapshot fetches up to depth levels per side. depth is rounded
// up to the next limit the API accepts.
func (c *SnapshotClient) OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error) {
	symbol := pair.Concat()
	limit := snapshotLimit(depth)
	log := c.log.WithComponent("binance_snapshot").WithFields(logger.Fields{
		"vendor": string(c.vendor),
		"symbol": symbol,
	})

	start := time.Now()
	bids, asks, ts, err := c.fetch(ctx, symbol, limit)
	took := time.Since(start)
	metrics.SnapshotRequest(string(c.vendor), took, err)
	if err != nil {
		metrics.ReportLimitFromMessage(c.log, string(c.vendor), pair.String(), err.Error())
		log.WithError(err).Warn("failed to fetch orderbook")
		return models.OrderBookRecord{}, fmt.Errorf("%s depth %s: %w", c.vendor, symbol, err)
	}
	logger.LogPerformanceEntry(log, "binance_snapshot", "api_request", took, logger.Fields{"symbol": symbol})

	rec := models.OrderBookRecord{Vendor: c.vendor, Pair: pair, Timestamp: ts}
	if rec.Bids, err = convertLevels(bids, depth); err != nil {
		return models.OrderBookRecord{}, err
	}
	if rec.Asks, err = convertLevels(asks, depth); err != nil {
		return models.OrderBookRecord{}, err
	}
	return rec, nil
}

func (c *SnapshotClient) fetch(ctx context.Context, symbol string, limit int) (bids, asks []common.PriceLevel, ts time.Time, err error) {
	if c.futures != nil {
		res, err := c.futures.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		ts = time.Now().UTC()
		if res.TradeTime > 0 {
			ts = time.UnixMilli(res.TradeTime).UTC()
		}
		return res.Bids, res.Asks, ts, nil
	}
	res, err := c.spot.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	return res.Bids, res.Asks, time.Now().UTC(), nil
}

func snapshotLimit(depth int) int {
	for _, l := range snapshotLimits {
		if depth <= l {
			return l
		}
	}
	return snapshotLimits[len(snapshotLimits)-1]
}

func convertLevels(levels []common.PriceLevel, depth int) ([]models.PriceLevel, error) {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l.Price, err)
		}
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", l.Quantity, err)
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
