package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"marketfeed/internal/book"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

const (
	DefaultRESTURL = "https://www.okx.com"
	booksPath      = "/api/v5/market/books"
	maxBookSize    = 400
)

type booksResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data []bookData `json:"data"`
}

// SnapshotClient fetches order books from the public market REST API.
// Requests are paced by a token bucket; OKX allows 40 requests per two
// seconds on this endpoint.
type SnapshotClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewSnapshotClient returns a client for restURL. rps <= 0 uses the
// endpoint's documented limit.
func NewSnapshotClient(restURL string, httpClient *http.Client, rps float64, burst int) *SnapshotClient {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 1
	}
	wrapped := *httpClient
	wrapped.Transport = &metrics.WeightTransport{
		Vendor: string(models.OKX),
		Base:   userAgentTransport{agent: userAgent, base: httpClient.Transport},
	}
	return &SnapshotClient{
		base:    strings.TrimRight(restURL, "/"),
		http:    &wrapped,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

func (c *SnapshotClient) Vendor() models.Vendor { return models.OKX }

func (c *SnapshotClient) OrderBookSnapshot(ctx context.Context, pair models.CurrencyPair, depth int) (models.OrderBookRecord, error) {
	instID := InstID(pair)
	log := c.log.WithComponent("okx_snapshot").WithFields(logger.Fields{"symbol": instID})

	if err := c.limiter.Wait(ctx); err != nil {
		return models.OrderBookRecord{}, err
	}

	size := depth
	if size <= 0 || size > maxBookSize {
		size = maxBookSize
	}
	start := time.Now()
	bd, err := c.fetch(ctx, instID, size)
	took := time.Since(start)
	metrics.SnapshotRequest(string(models.OKX), took, err)
	if err != nil {
		metrics.ReportLimitFromMessage(c.log, string(models.OKX), pair.String(), err.Error())
		log.WithError(err).Warn("failed to fetch orderbook")
		return models.OrderBookRecord{}, fmt.Errorf("okx books %s: %w", instID, err)
	}
	logger.LogPerformanceEntry(log, "okx_snapshot", "api_request", took, logger.Fields{"symbol": instID})

	bids, asks, err := parseSides(bd)
	if err != nil {
		return models.OrderBookRecord{}, err
	}
	b := book.New(pair)
	b.ApplySnapshot(bids, asks, bd.SeqID)

	ts := time.Now().UTC()
	if ms, err := strconv.ParseInt(bd.TS, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}
	return b.Record(models.OKX, ts, depth), nil
}

func (c *SnapshotClient) fetch(ctx context.Context, instID string, size int) (bookData, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("sz", strconv.Itoa(size))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+booksPath+"?"+q.Encode(), nil)
	if err != nil {
		return bookData{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return bookData{}, err
	}
	defer resp.Body.Close()

	var res booksResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return bookData{}, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if res.Code != "0" {
		return bookData{}, fmt.Errorf("code %s: %s", res.Code, res.Msg)
	}
	if len(res.Data) == 0 {
		return bookData{}, fmt.Errorf("empty orderbook response")
	}
	return res.Data[0], nil
}
