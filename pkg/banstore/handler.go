package banstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reqworker"
	"github.com/cuemby/burrow/pkg/types"
)

// Handler serves the ban-store worker's requests:
//
//	add <mask> <seconds> <reason...>   seconds 0 = permanent
//	del <mask>
//	match <target> [target...]         ok "<mask> <reason>" or ok ""
//	list                               one more "<mask> <expires> <reason>"
//	                                   per ban, then ok "<count>"
//
// expires is a unix time, 0 for permanent bans.
type Handler struct {
	Store Store
	Now   func() time.Time
}

var _ reqworker.Handler = (*Handler)(nil)

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) ServeRequest(_ context.Context, request string, more func(string)) (string, error) {
	verb, args, _ := strings.Cut(request, " ")
	switch verb {
	case "add":
		f := strings.SplitN(strings.TrimSpace(args), " ", 3)
		if len(f) < 2 {
			return "", fmt.Errorf("usage: add <mask> <seconds> <reason>")
		}
		secs, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil || secs < 0 {
			return "", fmt.Errorf("invalid duration %q", f[1])
		}
		ban := &types.Ban{Mask: f[0], CreatedAt: h.now()}
		if len(f) == 3 {
			ban.Reason = strings.TrimSpace(f[2])
		}
		if secs > 0 {
			ban.ExpiresAt = ban.CreatedAt.Add(time.Duration(secs) * time.Second)
		}
		if err := h.Store.Add(ban); err != nil {
			return "", err
		}
		return "added", nil

	case "del":
		if err := h.Store.Delete(strings.TrimSpace(args)); err != nil {
			return "", err
		}
		return "deleted", nil

	case "match":
		targets := strings.Fields(args)
		if len(targets) == 0 {
			return "", fmt.Errorf("usage: match <target>...")
		}
		ban, err := h.Store.Match(targets, h.now())
		if err != nil || ban == nil {
			return "", err
		}
		return strings.TrimSpace(ban.Mask + " " + ban.Reason), nil

	case "list":
		bans, err := h.Store.List(h.now())
		if err != nil {
			return "", err
		}
		for _, b := range bans {
			more(FormatBan(b))
		}
		return strconv.Itoa(len(bans)), nil

	default:
		return "", fmt.Errorf("unknown command %q", verb)
	}
}

// FormatBan renders a ban as "<mask> <expires> <reason>"
func FormatBan(b *types.Ban) string {
	var expires int64
	if !b.ExpiresAt.IsZero() {
		expires = b.ExpiresAt.Unix()
	}
	return strings.TrimSpace(fmt.Sprintf("%s %d %s", b.Mask, expires, b.Reason))
}

// ParseBan is the inverse of FormatBan
func ParseBan(s string) (*types.Ban, error) {
	f := strings.SplitN(s, " ", 3)
	if len(f) < 2 {
		return nil, fmt.Errorf("malformed ban %q", s)
	}
	expires, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed ban expiry %q", f[1])
	}
	b := &types.Ban{Mask: f[0]}
	if expires > 0 {
		b.ExpiresAt = time.Unix(expires, 0)
	}
	if len(f) == 3 {
		b.Reason = f[2]
	}
	return b, nil
}

// DefaultPurgeInterval is the RunPurger period when none is given.
const DefaultPurgeInterval = time.Minute

// RunPurger deletes expired bans every interval until ctx is done.
func RunPurger(ctx context.Context, s Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	logger := log.WithComponent("banstore")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Purge(now)
			if err != nil {
				logger.Error().Err(err).Msg("failed to purge expired bans")
				continue
			}
			if n > 0 {
				logger.Info().Int("purged", n).Msg("expired bans removed")
			}
		}
	}
}
