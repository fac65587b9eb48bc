// Package insights adapts the Trendlyne market-insight JSON API into the
// feed.Source contract.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/pkg/logx"
)

const SourceID = "insights"

// The upstream endpoint rejects obviously non-browser clients.
var requestHeaders = map[string]string{
	"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":           "application/json, text/javascript, */*; q=0.01",
	"Accept-Language":  "en-US,en;q=0.9",
	"X-Requested-With": "XMLHttpRequest",
}

// timeStamp looks like "12 Dec, 2025  3:23 PM (IST)"; the date part before
// the double space is all we compare.
const dateLayout = "2 Jan, 2006"

type Config struct {
	URL        string
	RangeType  string // default "today"
	StockGroup string // default "All"
	Location   *time.Location
}

type Source struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, client *http.Client, log logx.Logger) *Source {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RangeType == "" {
		cfg.RangeType = "today"
	}
	if cfg.StockGroup == "" {
		cfg.StockGroup = "All"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Source{cfg: cfg, client: client, log: log, now: time.Now}
}

func (s *Source) ID() string { return SourceID }

type apiResponse struct {
	Body struct {
		MarketInsights []apiInsight `json:"marketInsights"`
	} `json:"body"`
}

type apiInsight struct {
	StockName    string `json:"stockName"`
	Label        string `json:"label"`
	Notification string `json:"notification"`
	TimeStamp    string `json:"timeStamp"`
}

func (s *Source) Fetch(ctx context.Context) ([]feed.Item, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("insights url: %w", err))
	}
	q := u.Query()
	q.Set("rangeType", s.cfg.RangeType)
	q.Set("stockGroup", s.cfg.StockGroup)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for k, v := range requestHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("insights request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Auth/contract problems; more attempts won't help this cycle.
		return nil, retry.Permanent(fmt.Errorf("insights: upstream returned %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("insights: upstream returned %s", resp.Status)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("insights decode: %w", err)
	}

	today := s.now().In(s.cfg.Location).Format(dateLayout)
	items := make([]feed.Item, 0, len(parsed.Body.MarketInsights))
	dropped := 0
	for _, in := range parsed.Body.MarketInsights {
		if in.StockName == "" && in.Notification == "" {
			continue
		}
		if !s.isToday(in.TimeStamp, today) {
			dropped++
			continue
		}
		items = append(items, feed.Item{
			Key:         identityKey(in),
			Title:       in.StockName,
			Text:        fmt.Sprintf("%s: %s", in.Label, in.Notification),
			PublishedAt: s.parseTimestamp(in.TimeStamp),
		})
	}
	if dropped > 0 {
		s.log.Debug("dropped stale insights", logx.Int("count", dropped), logx.String("today", today))
	}
	return items, nil
}

// isToday compares the date part of the upstream timestamp against today
// in the source timezone. Unparseable timestamps pass through: losing a
// fresh insight is worse than occasionally re-examining a stale one, and
// the store still dedups.
func (s *Source) isToday(timestamp, today string) bool {
	date := datePart(timestamp)
	if date == "" {
		return true
	}
	return date == today
}

func (s *Source) parseTimestamp(timestamp string) time.Time {
	date := datePart(timestamp)
	if date == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(dateLayout, date, s.cfg.Location)
	if err != nil {
		return time.Time{}
	}
	return t
}

func datePart(timestamp string) string {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return ""
	}
	if i := strings.Index(timestamp, "  "); i >= 0 {
		return strings.TrimSpace(timestamp[:i])
	}
	return timestamp
}

// identityKey fingerprints an insight. The API exposes no stable ID, so
// stock+label+leading text is the identity; a re-worded insight counts as
// new, which matches how the upstream feed behaves.
func identityKey(in apiInsight) string {
	return fmt.Sprintf("%s_%s_%s", in.StockName, in.Label, runePrefix(in.Notification, 50))
}

func runePrefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
