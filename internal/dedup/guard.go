// Package dedup suppresses repeated webhook deliveries for the same deal.
// Bitrix is observed to fire the same ONCRMDEALUPDATE event several times in
// quick succession, so the first accepted event wins a short window.
package dedup

import (
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Guard is a process-wide TTL map of recently accepted deal ids. Safe for
// concurrent use.
type Guard struct {
	window  time.Duration
	entries *cache.Cache
}

// NewGuard creates a guard with the given suppression window.
func NewGuard(window time.Duration) *Guard {
	return &Guard{
		window:  window,
		entries: cache.New(window, 2*window),
	}
}

// Begin records the deal as in-flight and reports whether processing should
// proceed. It returns false when the deal was already accepted inside the
// window. The check-and-set is atomic, so concurrent deliveries for the same
// deal admit exactly one caller.
func (g *Guard) Begin(dealID int) bool {
	err := g.entries.Add(strconv.Itoa(dealID), time.Now(), g.window)
	return err == nil
}

// Window returns the configured suppression window.
func (g *Guard) Window() time.Duration {
	return g.window
}
