package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/lsm/ccsr/internal/circuitbreaker"
)

// Registry fetches raw schema documents by id.
// Implementations return an error wrapping ErrSchemaNotFound for unknown ids
// and ErrSchemaInvalid when the response cannot be interpreted.
type Registry interface {
	FetchSchema(ctx context.Context, id ID) ([]byte, error)
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// schemaResponse is the body of GET /schemas/ids/{id}.
type schemaResponse struct {
	Schema string `json:"schema"`
	Type   string `json:"schemaType"` // empty means AVRO
}

// ConfluentRegistry implements Registry using the Confluent Schema Registry HTTP API.
type ConfluentRegistry struct {
	baseURL  string
	client   HTTPClient
	username string
	password string
	limiter  *rate.Limiter
	breaker  *circuitbreaker.Breaker
}

// RegistryOption configures the ConfluentRegistry.
type RegistryOption func(*ConfluentRegistry)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c HTTPClient) RegistryOption {
	return func(r *ConfluentRegistry) { r.client = c }
}

// WithBasicAuth sets registry credentials from a Confluent "user:password" user-info string.
func WithBasicAuth(userInfo string) RegistryOption {
	return func(r *ConfluentRegistry) {
		r.username, r.password, _ = strings.Cut(userInfo, ":")
	}
}

// WithRateLimit caps registry requests per second. A zero rps disables the limit.
func WithRateLimit(rps float64, burst int) RegistryOption {
	return func(r *ConfluentRegistry) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = max(int(rps), 1)
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker short-circuits fetches while the registry keeps failing.
func WithBreaker(b *circuitbreaker.Breaker) RegistryOption {
	return func(r *ConfluentRegistry) { r.breaker = b }
}

// NewConfluentRegistry creates a new Confluent Schema Registry client.
func NewConfluentRegistry(baseURL string, opts ...RegistryOption) (*ConfluentRegistry, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("schema registry base URL is required")
	}
	r := &ConfluentRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FetchSchema retrieves the schema text registered under id.
func (r *ConfluentRegistry) FetchSchema(ctx context.Context, id ID) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("registry rate limit: %w", err)
		}
	}

	var body []byte
	fetch := func() error {
		var err error
		body, err = r.fetch(ctx, fmt.Sprintf("%s/schemas/ids/%d", r.baseURL, id))
		return err
	}
	var err error
	if r.breaker != nil {
		err = r.breaker.Call(fetch, registryDown)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, fmt.Errorf("get schema by id %d: %w", id, err)
	}
	return body, nil
}

func (r *ConfluentRegistry) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json")
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrSchemaNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(body))
	}

	var sr schemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrSchemaInvalid, err)
	}
	if sr.Type != "" && !strings.EqualFold(sr.Type, "AVRO") {
		return nil, fmt.Errorf("%w: unsupported schema type %s", ErrSchemaInvalid, sr.Type)
	}
	if sr.Schema == "" {
		return nil, fmt.Errorf("%w: empty schema document", ErrSchemaInvalid)
	}
	return []byte(sr.Schema), nil
}

// registryDown reports whether err means the registry itself misbehaved,
// as opposed to answering that the id is unknown or unusable.
func registryDown(err error) bool {
	return !errors.Is(err, ErrSchemaNotFound) &&
		!errors.Is(err, ErrSchemaInvalid) &&
		!errors.Is(err, context.Canceled)
}
