package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nlgeodata/harvest-cli/internal/model"
	"github.com/nlgeodata/harvest-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	// URLTemplate builds the request URL per item. Placeholders {postcode}
	// and {huisnummer} are replaced with the item's fields; any key in the
	// item's Extra map is available as {key}.
	URLTemplate string

	// UserAgent identifies us to the upstream. Default: "harvest-cli/1.0".
	UserAgent string

	// Timeout bounds each call so a hung request never stalls the pipeline.
	// Default: 30s.
	Timeout time.Duration
}

// HTTPFetcher fetches one JSON document per work item over HTTP. It does no
// rate limiting or retrying itself; the engine owns both.
type HTTPFetcher struct {
	opts HTTPOptions

	mu     sync.Mutex
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. The URL template is validated up
// front: a template without placeholders is a configuration error, caught
// before any work begins.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	if opts.URLTemplate == "" {
		return nil, eris.New("fetcher: url template is required")
	}
	if !strings.Contains(opts.URLTemplate, "{") {
		return nil, eris.Errorf("fetcher: url template %q has no placeholders", opts.URLTemplate)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "harvest-cli/1.0"
	}
	f := &HTTPFetcher{opts: opts}
	f.client = f.newClient()
	return f, nil
}

func (f *HTTPFetcher) newClient() *http.Client {
	return &http.Client{
		Timeout: f.opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Reset discards the current client and transport. A stale connection must
// never be reused after a transient network fault.
func (f *HTTPFetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	f.client = f.newClient()
}

func (f *HTTPFetcher) currentClient() *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

// Fetch performs one request and returns the decoded record or a classified
// error.
func (f *HTTPFetcher) Fetch(ctx context.Context, item model.WorkItem) (*model.Record, error) {
	rawURL := f.buildURL(item)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrapf(err, "fetcher: build request for %s", item.Key()))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.currentClient().Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: request %s", item.Key()), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resilience.ClassifyHTTPStatus(resp.StatusCode) {
	case model.OutcomeSuccess:
		// fall through to decode
	case model.OutcomeNotFound:
		return nil, eris.Wrapf(resilience.ErrNotFound, "fetcher: %s", item.Key())
	case model.OutcomeRateLimited:
		return nil, resilience.NewRateLimitedError(eris.Errorf("fetcher: http 429 for %s", item.Key()))
	case model.OutcomeFatal:
		return nil, resilience.NewFatalError(eris.Errorf("fetcher: http %d for %s", resp.StatusCode, item.Key()))
	default:
		return nil, resilience.NewTransientError(
			eris.Errorf("fetcher: http %d for %s", resp.StatusCode, item.Key()), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: read body for %s", item.Key()), resp.StatusCode)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		// Malformed response: counted as an item failure after the retry
		// budget, the run continues.
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: malformed response for %s", item.Key()), resp.StatusCode)
	}

	return &model.Record{
		Key:       item.Key(),
		FetchedAt: time.Now().UTC(),
		Fields:    fields,
	}, nil
}

// buildURL substitutes the item's fields into the URL template.
func (f *HTTPFetcher) buildURL(item model.WorkItem) string {
	pairs := []string{
		"{postcode}", url.QueryEscape(item.Postcode),
		"{huisnummer}", url.QueryEscape(item.HouseNumber),
	}
	for k, v := range item.Extra {
		pairs = append(pairs, "{"+k+"}", url.QueryEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(f.opts.URLTemplate)
}
