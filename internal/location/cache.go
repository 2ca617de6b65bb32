// Package location keeps the volatile last-known position of every connected
// user. Samples are never persisted and disappear when the session does.
package location

import (
	"sync"
	"time"

	"github.com/roadwatch/dispatch-server-go/internal/geo"
)

type Sample struct {
	UserID    int64
	Point     geo.Point
	UpdatedAt time.Time
}

type Cache struct {
	mu      sync.RWMutex
	samples map[int64]Sample
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		samples: make(map[int64]Sample),
		now:     time.Now,
	}
}

// Update overwrites the user's sample unconditionally. Coordinates are not
// checked for plausibility.
func (c *Cache) Update(userID int64, lat, lon float64) Sample {
	sample := Sample{
		UserID:    userID,
		Point:     geo.Point{Latitude: lat, Longitude: lon},
		UpdatedAt: c.now(),
	}

	c.mu.Lock()
	c.samples[userID] = sample
	c.mu.Unlock()

	return sample
}

func (c *Cache) Get(userID int64) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sample, ok := c.samples[userID]
	return sample, ok
}

func (c *Cache) Remove(userID int64) {
	c.mu.Lock()
	delete(c.samples, userID)
	c.mu.Unlock()
}

// Snapshot copies the current samples out of the cache. The copy is a
// point-in-time view; updates made after it returns are not reflected.
func (c *Cache) Snapshot() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, 0, len(c.samples))
	for _, s := range c.samples {
		out = append(out, s)
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}
