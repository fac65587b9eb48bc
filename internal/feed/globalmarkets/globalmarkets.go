// Package globalmarkets builds a once-a-day market digest from the
// MoneyControl section endpoints.
package globalmarkets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/pkg/logx"
)

const SourceID = "global_markets"

// Section order is fixed so the digest always reads the same way.
type section struct {
	name  string
	title string
}

var sections = []section{
	{"major_indices", "Major Global Indices"},
	{"indian_indices", "Indian Indices"},
	{"commodities", "Commodities"},
	{"currencies", "Currencies"},
}

type Config struct {
	// URLs maps section name to its endpoint. Sections without a URL are
	// skipped.
	URLs     map[string]string
	Location *time.Location
}

type Source struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, client *http.Client, log logx.Logger) *Source {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Source{cfg: cfg, client: client, log: log, now: time.Now}
}

func (s *Source) ID() string { return SourceID }

type envelope struct {
	Success int     `json:"success"`
	Data    []quote `json:"data"`
}

type quote struct {
	Name   string  `json:"name"`
	LTP    float64 `json:"ltp"`
	Chg    float64 `json:"chg"`
	ChgPer float64 `json:"chgper"`
}

// Fetch pulls every configured section concurrently and emits one item
// per section that answered. The identity key is date+section, so each
// section goes out at most once per calendar day in the source timezone.
func (s *Source) Fetch(ctx context.Context) ([]feed.Item, error) {
	date := s.now().In(s.cfg.Location).Format("2006-01-02")

	var mu sync.Mutex
	quotes := make(map[string][]quote, len(sections))
	errs := make(map[string]error, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	for _, sec := range sections {
		sec := sec
		u, ok := s.cfg.URLs[sec.name]
		if !ok || u == "" {
			continue
		}
		g.Go(func() error {
			qs, err := s.fetchSection(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[sec.name] = err
				// Per-section failure degrades the digest, it does not
				// abort the sibling fetches.
				return nil
			}
			quotes[sec.name] = qs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(quotes) == 0 {
		if len(errs) == 0 {
			return nil, retry.Permanent(fmt.Errorf("global markets: no section URLs configured"))
		}
		return nil, fmt.Errorf("global markets: all %d sections failed: %w", len(errs), firstErr(errs))
	}
	for name, err := range errs {
		s.log.Warn("market section unavailable", logx.String("section", name), logx.Err(err))
	}

	items := make([]feed.Item, 0, len(quotes))
	for _, sec := range sections {
		qs, ok := quotes[sec.name]
		if !ok {
			continue
		}
		items = append(items, feed.Item{
			Key:   date + "_" + sec.name,
			Title: sec.title,
			Text:  renderSection(qs),
		})
	}
	return items, nil
}

func (s *Source) fetchSection(ctx context.Context, rawURL string) ([]quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if env.Success != 1 {
		return nil, fmt.Errorf("upstream reported success=%d", env.Success)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("empty data set")
	}
	return env.Data, nil
}

func renderSection(qs []quote) string {
	var b strings.Builder
	for i, q := range qs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s: %.2f (%+.2f, %+.2f%%)", direction(q.Chg), q.Name, q.LTP, q.Chg, q.ChgPer)
	}
	return b.String()
}

func direction(chg float64) string {
	switch {
	case chg > 0:
		return "▲"
	case chg < 0:
		return "▼"
	default:
		return "•"
	}
}

func firstErr(errs map[string]error) error {
	for _, sec := range sections {
		if err, ok := errs[sec.name]; ok {
			return err
		}
	}
	return nil
}
