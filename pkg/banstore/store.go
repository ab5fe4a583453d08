package banstore

import (
	"errors"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrNotFound is returned for a mask with no ban
	ErrNotFound = errors.New("no such ban")

	// ErrInvalidMask is returned for masks that cannot be matched
	ErrInvalidMask = errors.New("invalid ban mask")
)

// Store defines ban persistence. Masks are compared in normalized form
// (see NormalizeMask).
type Store interface {
	// Add inserts or replaces the ban for b.Mask
	Add(b *types.Ban) error
	Get(mask string) (*types.Ban, error)
	Delete(mask string) error

	// List returns bans not expired at now, sorted by mask
	List(now time.Time) ([]*types.Ban, error)

	// Match returns the first ban not expired at now matching any target,
	// or nil.
	Match(targets []string, now time.Time) (*types.Ban, error)

	// Purge deletes bans expired at now and returns how many
	Purge(now time.Time) (int, error)

	Close() error
}
