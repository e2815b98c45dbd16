package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

// DefaultCardTTL is how long a cached agent card is considered fresh.
const DefaultCardTTL = 5 * time.Minute

type cardFetcher interface {
	Fetch(ctx context.Context, cardURL string) (*agentcard.Card, error)
}

type cardEntry struct {
	card      *agentcard.Card
	fetchedAt time.Time
}

// CardCache caches agent cards by URL. A fresh entry is returned directly; a
// stale entry is returned immediately while one background refresh runs, so
// the request path never blocks on a revalidation. Only a cold miss fetches
// synchronously.
type CardCache struct {
	fetcher cardFetcher
	ttl     time.Duration
	logger  *zap.Logger

	mu         sync.Mutex
	entries    map[string]*cardEntry
	urlLocks   map[string]*sync.Mutex
	refreshing map[string]bool
}

// NewCardCache creates a CardCache. Zero ttl means DefaultCardTTL.
func NewCardCache(fetcher cardFetcher, ttl time.Duration, logger *zap.Logger) *CardCache {
	if ttl <= 0 {
		ttl = DefaultCardTTL
	}
	return &CardCache{
		fetcher:    fetcher,
		ttl:        ttl,
		logger:     logger,
		entries:    make(map[string]*cardEntry),
		urlLocks:   make(map[string]*sync.Mutex),
		refreshing: make(map[string]bool),
	}
}

func (c *CardCache) urlLock(url string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.urlLocks[url]
	if !ok {
		l = &sync.Mutex{}
		c.urlLocks[url] = l
	}
	return l
}

// Resolve returns the card for cardURL, fetching it on a cold miss.
func (c *CardCache) Resolve(ctx context.Context, cardURL string) (*agentcard.Card, error) {
	c.mu.Lock()
	entry := c.entries[cardURL]
	c.mu.Unlock()

	if entry != nil {
		if time.Since(entry.fetchedAt) < c.ttl {
			return entry.card, nil
		}
		c.refreshAsync(cardURL)
		return entry.card, nil
	}

	// Cold miss. The per-URL lock collapses concurrent first fetches of the
	// same card into one request.
	lock := c.urlLock(cardURL)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	entry = c.entries[cardURL]
	c.mu.Unlock()
	if entry != nil {
		return entry.card, nil
	}

	card, err := c.fetcher.Fetch(ctx, cardURL)
	if err != nil {
		return nil, err
	}
	c.store(cardURL, card)
	return card, nil
}

// Invalidate drops the cached entry for cardURL.
func (c *CardCache) Invalidate(cardURL string) {
	c.mu.Lock()
	delete(c.entries, cardURL)
	c.mu.Unlock()
}

func (c *CardCache) store(cardURL string, card *agentcard.Card) {
	c.mu.Lock()
	c.entries[cardURL] = &cardEntry{card: card, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *CardCache) refreshAsync(cardURL string) {
	c.mu.Lock()
	if c.refreshing[cardURL] {
		c.mu.Unlock()
		return
	}
	c.refreshing[cardURL] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, cardURL)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		card, err := c.fetcher.Fetch(ctx, cardURL)
		if err != nil {
			// Keep serving the stale card; the next request retries.
			c.logger.Warn("agent card refresh failed",
				zap.String("card_url", cardURL),
				zap.Error(err))
			return
		}
		c.store(cardURL, card)
	}()
}
