// Package livenews scrapes the capitalmarket.com live-news page into the
// feed.Source contract.
package livenews

import (
	"context"
	"crypto/md5"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/pkg/logx"
)

const (
	SourceID = "live_news"
	baseURL  = "https://www.capitalmarket.com"
)

type Config struct {
	URL string
}

type Source struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Source {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Source{cfg: cfg, client: client, log: log}
}

func (s *Source) ID() string { return SourceID }

func (s *Source) Fetch(ctx context.Context) ([]feed.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("live news request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, retry.Permanent(fmt.Errorf("live news: upstream returned %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("live news: upstream returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("live news parse: %w", err)
	}
	return s.parse(doc), nil
}

func (s *Source) parse(doc *goquery.Document) []feed.Item {
	table := doc.Find("table.footable.common-table").First()
	if table.Length() == 0 {
		s.log.Warn("live news table not found; falling back to generic anchors")
		return s.parseGenericFallback(doc)
	}

	var items []feed.Item
	table.Find("tbody > tr").Each(func(_ int, row *goquery.Selection) {
		if it, ok := parseRow(row); ok {
			items = append(items, it)
		}
	})
	return items
}

func parseRow(row *goquery.Selection) (feed.Item, bool) {
	tds := row.Find("td")
	if tds.Length() < 2 {
		return feed.Item{}, false
	}
	content := tds.Eq(1)

	timestamp := strings.TrimSpace(content.Find("p.dtstyle").First().Text())

	link := content.Find("div.NewsLink a").First()
	title := strings.TrimSpace(link.Text())
	if title == "" {
		return feed.Item{}, false
	}
	href, _ := link.Attr("href")
	href = absolutize(href)

	// Articles without a description are teasers; the original feed never
	// delivered those.
	description := strings.TrimSpace(content.Find("div.NewsLink span").First().Text())
	if description == "" {
		return feed.Item{}, false
	}

	return feed.Item{
		Key:   articleKey(title, timestamp),
		Title: title,
		Text:  description,
		URL:   href,
	}, true
}

// parseGenericFallback rescues candidates when the table markup changes:
// any long-titled news-ish anchor counts, capped to avoid garbage floods.
func (s *Source) parseGenericFallback(doc *goquery.Document) []feed.Item {
	var items []feed.Item
	seen := map[string]struct{}{}
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		title := strings.TrimSpace(a.Text())
		if len(title) < 10 || strings.HasPrefix(href, "javascript:") {
			return true
		}
		lower := strings.ToLower(href)
		if !strings.Contains(lower, "news") && !strings.Contains(lower, "article") {
			return true
		}
		full := absolutize(href)
		if _, ok := seen[full]; ok {
			return true
		}
		seen[full] = struct{}{}
		items = append(items, feed.Item{
			Key:   fmt.Sprintf("%x", md5.Sum([]byte(full))),
			Title: title,
			Text:  title,
			URL:   full,
		})
		return len(items) < 20
	})
	return items
}

func absolutize(href string) string {
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	case strings.HasPrefix(href, "/"):
		return baseURL + href
	case strings.HasPrefix(href, "http"):
		return href
	default:
		return baseURL + "/" + href
	}
}

// articleKey hashes title+timestamp; the page has no stable article IDs
// and URLs occasionally get reshuffled, but a headline re-posted with the
// same timestamp is the same story.
func articleKey(title, timestamp string) string {
	sum := md5.Sum([]byte(title + "_" + timestamp))
	return fmt.Sprintf("%x", sum)[:16]
}
