package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
	"github.com/valyala/fastjson"
)

const (
	defaultEndpoint        = "http://localhost:9200"
	defaultBatchSize       = 1000
	defaultScrollKeepAlive = time.Minute
)

// searchQuery selects the five access-log fields of every document.
const searchQuery = `{"_source":["ip","timestamp","request","status","size"],"query":{"match_all":{}}}`

// SearchConfig configures a SearchSource.
type SearchConfig struct {
	Endpoint        string
	Index           string
	Username        string
	Password        string
	BatchSize       int
	ScrollKeepAlive time.Duration
	Retry           retry.Policy
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Compile-time interface check
var _ Source = (*SearchSource)(nil)

// SearchSource reads documents from an Elasticsearch index with the scroll API.
// Every request is retried with backoff on connection errors and on 429/5xx
// gateway responses.
type SearchSource struct {
	client *elasticsearch.Client
	cfg    SearchConfig
}

// NewSearchSource creates an Elasticsearch source. No request is made until Open.
func NewSearchSource(cfg SearchConfig) (*SearchSource, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.Index == "" {
		return nil, fmt.Errorf("elasticsearch index is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ScrollKeepAlive <= 0 {
		cfg.ScrollKeepAlive = defaultScrollKeepAlive
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.Endpoint},
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    cfg.Transport,
		DisableRetry: true, // retried by retry.Do
	})
	if err != nil {
		return nil, internalerrors.Wrapf(err, "failed to create elasticsearch client")
	}

	return &SearchSource{client: client, cfg: cfg}, nil
}

// Type implements Source.
func (s *SearchSource) Type() Type { return TypeElasticsearch }

// Describe implements Source.
func (s *SearchSource) Describe() string {
	return internalerrors.RedactURL(s.cfg.Endpoint) + "/" + s.cfg.Index
}

// Open implements Source. It issues the initial scroll search, so an unreachable
// cluster or a missing index fails here with ErrSourceUnavailable.
func (s *SearchSource) Open(ctx context.Context) (Iterator, error) {
	it := &scrollIterator{source: s}

	body, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.cfg.Index),
			s.client.Search.WithBody(strings.NewReader(searchQuery)),
			s.client.Search.WithScroll(s.cfg.ScrollKeepAlive),
			s.client.Search.WithSize(s.cfg.BatchSize),
			s.client.Search.WithSort("_doc"),
		)
	})
	if err != nil {
		return nil, unavailable(s.Describe(), err)
	}

	if err := it.load(body); err != nil {
		return nil, unavailable(s.Describe(), err)
	}
	return it, nil
}

// do runs one request under the retry policy and returns the response body.
func (s *SearchSource) do(ctx context.Context, call func(ctx context.Context) (*esapi.Response, error)) ([]byte, error) {
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		res, err := call(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Permanent(ctx.Err())
			}
			return nil, internalerrors.Wrapf(err, "elasticsearch request failed")
		}
		defer func() { _ = res.Body.Close() }()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read elasticsearch response: %w", err)
		}

		if res.IsError() {
			statusErr := fmt.Errorf("elasticsearch returned status %d: %s", res.StatusCode, truncate(string(body), 200))
			if isTransientStatus(res.StatusCode) {
				return nil, statusErr
			}
			return nil, retry.Permanent(statusErr)
		}
		return body, nil
	})
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// scrollIterator walks scroll pages, buffering one page of documents at a time.
type scrollIterator struct {
	source   *SearchSource
	parser   fastjson.Parser
	scrollID string
	page     []accesslog.Document
	pos      int
	current  accesslog.Document
	err      error
	done     bool
}

// load decodes one search or scroll response into the page buffer.
func (it *scrollIterator) load(body []byte) error {
	v, err := it.parser.ParseBytes(body)
	if err != nil {
		return fmt.Errorf("invalid elasticsearch response: %w", err)
	}

	if id := v.GetStringBytes("_scroll_id"); len(id) > 0 {
		it.scrollID = string(id)
	}

	hits := v.GetArray("hits", "hits")
	it.page = it.page[:0]
	it.pos = 0
	for _, hit := range hits {
		src := hit.Get("_source")
		it.page = append(it.page, accesslog.Document{
			ID:        string(hit.GetStringBytes("_id")),
			IP:        fieldText(src, "ip"),
			Timestamp: fieldText(src, "timestamp"),
			Request:   fieldText(src, "request"),
			Status:    fieldText(src, "status"),
			Size:      fieldText(src, "size"),
		})
	}
	if len(hits) == 0 {
		it.done = true
	}
	return nil
}

// fieldText returns a string field as-is and any other JSON value as its JSON text.
func fieldText(src *fastjson.Value, key string) string {
	if src == nil {
		return ""
	}
	v := src.Get(key)
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	default:
		return v.String()
	}
}

func (it *scrollIterator) Next(ctx context.Context) bool {
	for it.pos >= len(it.page) {
		if it.done || it.err != nil {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
	}

	it.current = it.page[it.pos]
	it.pos++
	return true
}

func (it *scrollIterator) fetch(ctx context.Context) error {
	if it.scrollID == "" {
		it.done = true
		return nil
	}

	s := it.source
	body, err := s.do(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return s.client.Scroll(
			s.client.Scroll.WithContext(ctx),
			s.client.Scroll.WithScrollID(it.scrollID),
			s.client.Scroll.WithScroll(s.cfg.ScrollKeepAlive),
		)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return unavailable(s.Describe(), err)
	}
	return it.load(body)
}

func (it *scrollIterator) Raw() accesslog.Raw {
	doc := it.current
	return accesslog.Raw{Doc: &doc}
}

func (it *scrollIterator) Err() error {
	return it.err
}

// Close releases the server-side scroll context. Failures are returned but the
// context also expires on its own after the keep-alive.
func (it *scrollIterator) Close() error {
	it.done = true
	if it.scrollID == "" {
		return nil
	}
	id := it.scrollID
	it.scrollID = ""

	s := it.source
	res, err := s.client.ClearScroll(s.client.ClearScroll.WithScrollID(id))
	if err != nil {
		return internalerrors.Wrapf(err, "failed to clear scroll")
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to clear scroll: status %d", res.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
