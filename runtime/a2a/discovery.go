package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stewardhq/steward/runtime/fault"
)

const (
	// agentCardPath is the well-known discovery document location.
	agentCardPath = "/.well-known/agent.json"
	// cardCacheTTL bounds how long a fetched card is served from cache.
	cardCacheTTL = 10 * time.Minute
	// cardCacheSize bounds the number of cached cards.
	cardCacheSize = 256
	// maxCardBytes bounds the discovery document size.
	maxCardBytes = 1 << 20
)

type (
	// AgentCard is the discovery document an external agent publishes at
	// /.well-known/agent.json.
	AgentCard struct {
		// Name is the agent display name.
		Name string `json:"name"`
		// Description summarizes what the agent does.
		Description string `json:"description,omitempty"`
		// URL is the JSON-RPC endpoint calls go to.
		URL string `json:"url"`
		// Version is the agent's declared version.
		Version string `json:"version,omitempty"`
		// Skills lists the methods the agent serves.
		Skills []AgentSkill `json:"skills,omitempty"`
	}

	// AgentSkill describes one method of a discovered agent.
	AgentSkill struct {
		// ID is the method name ("<mode>.<action>").
		ID string `json:"id"`
		// Description summarizes the skill.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema for the skill payload, when
		// published.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// Discoverer fetches and caches agent cards. Cards are cached per base
	// URL for ten minutes; a refetch failure inside the window is not
	// possible since the cached card is served without revalidation.
	Discoverer struct {
		http  *http.Client
		cards *expirable.LRU[string, *AgentCard]
	}

	// DiscovererOption configures a Discoverer.
	DiscovererOption func(*Discoverer)
)

// WithDiscoveryHTTPClient overrides the HTTP client used for card fetches.
func WithDiscoveryHTTPClient(c *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		if c != nil {
			d.http = c
		}
	}
}

// NewDiscoverer constructs a card discoverer with the default cache policy.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		http:  &http.Client{Timeout: 10 * time.Second},
		cards: expirable.NewLRU[string, *AgentCard](cardCacheSize, nil, cardCacheTTL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Discover returns the agent card for the given base URL, fetching it on a
// cache miss. The base URL is the agent origin; the well-known path is
// appended here.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*AgentCard, error) {
	key := strings.TrimRight(baseURL, "/")
	if card, ok := d.cards.Get(key); ok {
		return card, nil
	}
	card, err := d.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	d.cards.Add(key, card)
	return card, nil
}

// Invalidate drops the cached card for the given base URL.
func (d *Discoverer) Invalidate(baseURL string) {
	d.cards.Remove(strings.TrimRight(baseURL, "/"))
}

func (d *Discoverer) fetch(ctx context.Context, base string) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+agentCardPath, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.New(fault.KindNotFound, "agent at %s publishes no discovery document", base)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.KindUpstreamFailure, "agent card fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailure, err)
	}
	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailure, fmt.Errorf("malformed agent card: %w", err))
	}
	if card.URL == "" {
		// Cards without an endpoint default to the conventional path.
		card.URL = base + "/a2a"
	}
	return &card, nil
}

// Skill returns the published skill with the given method identifier.
func (c *AgentCard) Skill(id string) (*AgentSkill, bool) {
	for i := range c.Skills {
		if c.Skills[i].ID == id {
			return &c.Skills[i], true
		}
	}
	return nil, false
}
