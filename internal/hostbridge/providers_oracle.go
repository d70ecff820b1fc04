package hostbridge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/faas-platform/internal/domain/function"
)

// PriceFeed names an upstream price-quote URL and the gjson path that
// extracts the price from its response body, letting one HTTP oracle provider serve several
// named feeds ("oracle.getPrice" pairs/sources) without a new Go type per
// feed — the "variant over a small capability set" shape spec.md §9
// recommends for cross-service dynamic dispatch.
type PriceFeed struct {
	URL       string
	ValuePath string // gjson path into the response body, e.g. "price"
}

// OracleProvider implements the "oracle" subtree (spec.md §4.8) against a
// configured set of HTTP price feeds plus a crypto/rand-backed getRandom.
// getCustomData is intentionally left unregistered here: the core mandates
// only the op *shape*, and a concrete custom-data source is
// deployment-specific.
type OracleProvider struct {
	client *http.Client
	feeds  map[string]PriceFeed
}

// NewOracleProvider builds a provider over the given named feeds.
func NewOracleProvider(feeds map[string]PriceFeed) *OracleProvider {
	return &OracleProvider{client: &http.Client{}, feeds: feeds}
}

// Register wires getPrice and getRandom onto b under the oracle.getPrice and
// oracle.getRandom capabilities.
func (p *OracleProvider) Register(b *Bridge) {
	b.Register(Op{Name: "oracle.getPrice", RequiredCapability: "oracle.getPrice", Cost: 2, MaySuspend: true, Handler: p.getPrice})
	b.Register(Op{Name: "oracle.getRandom", RequiredCapability: "oracle.getRandom", Cost: 1, Handler: p.getRandom})
}

func (p *OracleProvider) getPrice(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
	pair, _ := args["pair"].(string)
	feed, ok := p.feeds[pair]
	if !ok {
		return nil, fmt.Errorf("oracle.getPrice: no feed configured for %q", pair)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	const maxBody = 1 << 20
	body := make([]byte, maxBody)
	n, _ := resp.Body.Read(body)
	value := gjson.GetBytes(body[:n], feed.ValuePath)
	if !value.Exists() {
		return nil, fmt.Errorf("oracle.getPrice: path %q not found in feed response", feed.ValuePath)
	}
	return map[string]any{"pair": pair, "price": value.Float()}, nil
}

func (p *OracleProvider) getRandom(ctx context.Context, artifact function.Artifact, args map[string]any) (map[string]any, error) {
	n, err := randomUint64()
	if err != nil {
		return nil, fmt.Errorf("oracle.getRandom: %w", err)
	}
	return map[string]any{"value": n}, nil
}
