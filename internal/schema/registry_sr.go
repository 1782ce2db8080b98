package schema

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/twmb/franz-go/pkg/sr"
)

// srClient is the subset of *sr.Client used by SRRegistry.
type srClient interface {
	SchemaByID(ctx context.Context, id int) (sr.Schema, error)
}

// SRRegistry implements Registry on top of franz-go's schema registry client.
type SRRegistry struct {
	client srClient
}

// NewSRRegistry creates a registry backed by sr.Client for the given URLs.
func NewSRRegistry(urls []string, userInfo string) (*SRRegistry, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("schema registry URL is required")
	}
	opts := []sr.ClientOpt{sr.URLs(urls...)}
	if userInfo != "" {
		user, pass, _ := strings.Cut(userInfo, ":")
		opts = append(opts, sr.BasicAuth(user, pass))
	}
	cl, err := sr.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("schema registry client: %w", err)
	}
	return &SRRegistry{client: cl}, nil
}

// FetchSchema retrieves the schema text registered under id.
func (r *SRRegistry) FetchSchema(ctx context.Context, id ID) ([]byte, error) {
	s, err := r.client.SchemaByID(ctx, int(id))
	if err != nil {
		var re *sr.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("get schema by id %d: %w", id, ErrSchemaNotFound)
		}
		return nil, fmt.Errorf("get schema by id %d: %w", id, err)
	}
	if s.Type != sr.TypeAvro {
		return nil, fmt.Errorf("%w: schema %d has type %s", ErrSchemaInvalid, id, s.Type)
	}
	return []byte(s.Schema), nil
}
