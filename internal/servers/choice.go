package servers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/store"
)

// ChoiceKind names how the user picked a server.
type ChoiceKind string

const (
	ChoiceFastest ChoiceKind = "fastest"
	ChoiceServer  ChoiceKind = "server"
	ChoiceCountry ChoiceKind = "country"
	ChoiceCity    ChoiceKind = "city"
	ChoiceFeature ChoiceKind = "feature"
	ChoiceRandom  ChoiceKind = "random"
)

// Choice is the user's last connection request, replayed on auto-connect.
type Choice struct {
	Kind       ChoiceKind `json:"kind"`
	ServerID   string     `json:"serverId,omitempty"`
	Country    string     `json:"country,omitempty"`
	City       string     `json:"city,omitempty"`
	Features   int        `json:"features,omitempty"`
	SecureCore bool       `json:"secureCore,omitempty"`
}

func (c Choice) String() string {
	switch c.Kind {
	case ChoiceServer:
		return "server " + c.ServerID
	case ChoiceCountry:
		return "country " + c.Country
	case ChoiceCity:
		return "city " + c.City
	case ChoiceFeature:
		return fmt.Sprintf("feature %#x", c.Features)
	case ChoiceRandom:
		return "random"
	}
	return "fastest"
}

// Resolve picks the logical matching c among list for the user tier.
// Secure Core logicals are only considered when c asks for them, except
// for an explicit server id.
func Resolve(c Choice, list []domain.Logical, tier int) (domain.Logical, error) {
	if c.Kind == ChoiceServer {
		l, ok := Find(list, c.ServerID)
		if !ok || !Eligible(l, tier) {
			return domain.Logical{}, fmt.Errorf("server %s: %w", c.ServerID, domain.ErrNoServer)
		}
		return l, nil
	}

	var candidates []domain.Logical
	for _, l := range list {
		if l.SecureCore() != c.SecureCore {
			continue
		}
		if c.Country != "" && !strings.EqualFold(l.ExitCountry, c.Country) {
			continue
		}
		switch c.Kind {
		case ChoiceCity:
			if !strings.EqualFold(l.City, c.City) {
				continue
			}
		case ChoiceFeature:
			if !l.HasFeature(c.Features) {
				continue
			}
		}
		candidates = append(candidates, l)
	}

	if c.Kind == ChoiceRandom {
		eligible := candidates[:0:0]
		for _, l := range candidates {
			if Eligible(l, tier) {
				eligible = append(eligible, l)
			}
		}
		if len(eligible) > 0 {
			return eligible[rand.IntN(len(eligible))], nil
		}
	} else if l, ok := BestLogical(candidates, tier); ok {
		return l, nil
	}
	return domain.Logical{}, fmt.Errorf("%s: %w", c, domain.ErrNoServer)
}

// SaveChoice persists c under the last-choice key.
func SaveChoice(ctx context.Context, cache *store.Cache, c Choice) error {
	if c.Kind == "" {
		c.Kind = ChoiceFastest
	}
	return cache.Save(ctx, store.KeyLastChoice, c)
}

// LoadChoice returns the persisted last choice. The zero choice (fastest)
// is returned with [domain.ErrNotFound] when none was saved.
func LoadChoice(ctx context.Context, cache *store.Cache) (Choice, error) {
	var c Choice
	if _, err := cache.Load(ctx, store.KeyLastChoice, &c); err != nil {
		return Choice{Kind: ChoiceFastest}, err
	}
	if c.Kind == "" {
		c.Kind = ChoiceFastest
	}
	return c, nil
}
