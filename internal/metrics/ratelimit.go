package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"marketfeed/logger"
)

// detectLimit inspects an error message returned by a vendor and reports
// whether it signals a rate limit or an IP ban. Wording differs per vendor.
func detectLimit(vendor, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(vendor, "binance"):
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case vendor == "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case vendor == "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate limit or IP ban events found in msg.
// Nothing happens when msg matches no known wording.
func ReportLimitFromMessage(log *logger.Log, vendor, pair, msg string) {
	rateLimit, ipBan := detectLimit(vendor, msg)
	if !rateLimit && !ipBan {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"vendor": vendor, "pair": pair}
	if rateLimit {
		rateLimitEvents.WithLabelValues(vendor, "rate_limit").Inc()
		EmitMetric(log, "snapshot", "rate_limit_exceeded", int64(1), "counter", fields)
		log.WithComponent("snapshot").WithFields(fields).Warn("rate limit exceeded")
	}
	if ipBan {
		rateLimitEvents.WithLabelValues(vendor, "ip_ban").Inc()
		EmitMetric(log, "snapshot", "ip_ban", int64(1), "counter", fields)
		log.WithComponent("snapshot").WithFields(fields).Error("ip banned")
	}
}

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
	{"X-Bapi-Limit-Status", "endpoint"},
}

// ReportUsedWeight records the request weight headers found in header and
// returns the first parsed value.
func ReportUsedWeight(vendor string, header http.Header) (float64, bool) {
	var (
		first float64
		found bool
	)
	for _, h := range weightHeaders {
		value := header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		usedWeight.WithLabelValues(vendor, h.window).Set(used)
		if !found {
			first, found = used, true
		}
	}
	return first, found
}

// WeightTransport reports request weight headers of every response that
// passes through it.
type WeightTransport struct {
	Vendor string
	Base   http.RoundTripper
}

func (t *WeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	ReportUsedWeight(t.Vendor, resp.Header)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		ReportLimitFromMessage(nil, t.Vendor, "", "too many requests")
	}
	return resp, nil
}
