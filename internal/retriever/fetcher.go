package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/autonomys/auto-drive-sub003/pkg/blockstore"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

// Fetcher resolves a cid to its decoded node from one storage tier.
type Fetcher interface {
	Fetch(ctx context.Context, c cid.Cid) (*dag.Node, error)
}

// LocalFetcher reads unarchived nodes from the blockstore.
type LocalFetcher struct {
	Store blockstore.Store
}

func (f *LocalFetcher) Fetch(ctx context.Context, c cid.Cid) (*dag.Node, error) {
	rec, err := f.Store.Lookup(ctx, c)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c.Short())
		}
		return nil, err
	}
	return dag.Decode(rec.Encoded)
}

// maxNodeBytes bounds a gateway response: encoding overhead on top of
// the chunk payload is small.
const maxNodeBytes = 8 * 1024 * 1024

// GatewayFetcher reads archived nodes from the storage-network gateway.
type GatewayFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewGatewayFetcher(baseURL string) *GatewayFetcher {
	return &GatewayFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *GatewayFetcher) Fetch(ctx context.Context, c cid.Cid) (*dag.Node, error) {
	url := f.BaseURL + "/" + c.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway fetch %s: %w", c.Short(), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c.Short())
	default:
		return nil, fmt.Errorf("gateway fetch %s: unexpected status %d", c.Short(), resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxNodeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gateway fetch %s: reading body: %w", c.Short(), err)
	}
	if len(raw) > maxNodeBytes {
		return nil, fmt.Errorf("gateway fetch %s: node exceeds %d bytes", c.Short(), maxNodeBytes)
	}

	// The gateway is untrusted storage: verify content addressing.
	if got := cid.FromBytes(raw); got != c {
		return nil, fmt.Errorf("gateway fetch %s: content hash mismatch (got %s)", c.Short(), got.Short())
	}
	return dag.Decode(raw)
}
