package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"carrental/internal/config"
	"carrental/internal/pii"
	"carrental/internal/users"
)

type cachedUser struct {
	summary  users.Summary
	storedAt time.Time
}

// UserDirectoryClient resolves users through the users service directory
// endpoint. Positive answers are cached for a short TTL; misses and errors
// never are.
type UserDirectoryClient struct {
	base
	codec *pii.Codec
	cache *lru.Cache[uuid.UUID, cachedUser]
	ttl   time.Duration
	now   func() time.Time
}

func NewUserDirectoryClient(baseURL string, codec *pii.Codec, hc *http.Client, breaker config.BreakerConfig, cache config.CacheConfig) *UserDirectoryClient {
	c := &UserDirectoryClient{
		base:  newBase("users", baseURL, hc, breaker),
		codec: codec,
		ttl:   cache.TTL,
		now:   time.Now,
	}
	if cache.Size > 0 && cache.TTL > 0 {
		// lru.New only fails on a non-positive size.
		c.cache, _ = lru.New[uuid.UUID, cachedUser](cache.Size)
	}
	return c
}

// LookupUser returns the user's decrypted name.
func (c *UserDirectoryClient) LookupUser(ctx context.Context, id uuid.UUID) (*users.Summary, error) {
	if c.cache != nil {
		if e, ok := c.cache.Get(id); ok {
			if c.now().Sub(e.storedAt) < c.ttl {
				s := e.summary
				return &s, nil
			}
			c.cache.Remove(id)
		}
	}

	var entry users.DirectoryEntry
	if err := c.do(ctx, http.MethodGet, "/directory/users/"+id.String(), nil, &entry); err != nil {
		return nil, err
	}
	first, err := c.codec.Decrypt(entry.FirstName)
	if err != nil {
		return nil, err
	}
	last, err := c.codec.Decrypt(entry.LastName)
	if err != nil {
		return nil, err
	}
	s := users.Summary{ID: entry.ID, FirstName: first, LastName: last}
	if c.cache != nil {
		c.cache.Add(id, cachedUser{summary: s, storedAt: c.now()})
	}
	return &s, nil
}

func (c *UserDirectoryClient) Stats(ctx context.Context) (*users.Stats, error) {
	var st users.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
