// Package servers caches the logical server directory and picks the
// endpoint to connect to: best by score, a substitute when the current one
// goes down, and the replay of the user's last choice.
package servers

import (
	"cmp"
	"fmt"
	"strconv"

	"github.com/koltyakov/proxyvpn/internal/domain"
)

// Eligible reports whether l is up and allowed for the user tier.
func Eligible(l domain.Logical, tier int) bool {
	return l.Tier <= tier && l.IsUp()
}

// BestLogical returns the eligible logical with the lowest score. Equal
// scores are broken by ID so the result does not depend on list order.
func BestLogical(list []domain.Logical, tier int) (domain.Logical, bool) {
	var best domain.Logical
	found := false
	for _, l := range list {
		if !Eligible(l, tier) {
			continue
		}
		if !found || l.Score < best.Score || (l.Score == best.Score && compareID(l.ID, best.ID) < 0) {
			best, found = l, true
		}
	}
	return best, found
}

// compareID orders numeric ids numerically and everything else lexically.
func compareID(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(a, b)
}

type filter func(candidate domain.Logical) bool

// minFilters is the filter count at which [LocalAlternative] gives up.
const minFilters = 2

// LocalAlternative looks for a substitute of orig in list. Filters are
// relaxed from the most specific end (features, then exit country); the
// search gives up once only id exclusion and tier would remain, so secure
// core is never relaxed.
func LocalAlternative(list []domain.Logical, orig domain.Logical, tier int) (domain.Logical, bool) {
	maxTier := min(orig.Tier, tier)
	features := orig.Features &^ domain.FeatureRestricted
	filters := []filter{
		func(c domain.Logical) bool { return c.ID != orig.ID },
		func(c domain.Logical) bool { return c.Tier <= maxTier },
		func(c domain.Logical) bool { return c.SecureCore() == orig.SecureCore() },
		func(c domain.Logical) bool { return c.ExitCountry == orig.ExitCountry },
		func(c domain.Logical) bool { return c.Features&^domain.FeatureRestricted == features },
	}

	for n := len(filters); n > minFilters; n-- {
		var candidates []domain.Logical
	next:
		for _, l := range list {
			for _, f := range filters[:n] {
				if !f(l) {
					continue next
				}
			}
			candidates = append(candidates, l)
		}
		if best, ok := BestLogical(candidates, tier); ok {
			return best, true
		}
	}
	return domain.Logical{}, false
}

// ToProxyServer builds the connection endpoint for l from its first
// responsive physical server. port <= 0 uses [domain.DefaultProxyPort].
func ToProxyServer(l domain.Logical, port int) (domain.ProxyServer, error) {
	if port <= 0 {
		port = domain.DefaultProxyPort
	}
	for _, s := range l.Servers {
		if s.Status <= 0 {
			continue
		}
		host := s.Domain
		if host == "" {
			host = s.EntryIP
		}
		if host == "" {
			continue
		}
		return domain.ProxyServer{
			ID:           l.ID,
			Name:         l.Name,
			EntryCountry: l.EntryCountry,
			ExitCountry:  l.ExitCountry,
			ExitCity:     l.City,
			Host:         host,
			Port:         port,
			SecureCore:   l.SecureCore(),
			Tier:         l.Tier,
		}, nil
	}
	return domain.ProxyServer{}, fmt.Errorf("logical %s: %w", l.ID, domain.ErrNoServer)
}

// Find returns the logical with the given id.
func Find(list []domain.Logical, id string) (domain.Logical, bool) {
	for _, l := range list {
		if l.ID == id {
			return l, true
		}
	}
	return domain.Logical{}, false
}
