package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchlistEntry is one market listed in the seed file
type WatchlistEntry struct {
	Slug   string `yaml:"slug"`
	League string `yaml:"league"`
	Title  string `yaml:"title"`
}

// Watchlist is the boot-time seed for tracked markets.
//
//	every_sec: 30
//	markets:
//	  - slug: nba-lal-bos-2026-01-12
//	    league: NBA
type Watchlist struct {
	EverySec int              `yaml:"every_sec"`
	Markets  []WatchlistEntry `yaml:"markets"`
}

// LoadWatchlist reads and validates a YAML watchlist file
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}

	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist: %w", err)
	}

	markets := wl.Markets[:0]
	seen := make(map[string]bool)
	for _, m := range wl.Markets {
		m.Slug = strings.TrimSpace(m.Slug)
		if m.Slug == "" || seen[m.Slug] {
			continue
		}
		seen[m.Slug] = true
		markets = append(markets, m)
	}
	wl.Markets = markets

	if wl.EverySec < 0 {
		return nil, fmt.Errorf("watchlist every_sec must not be negative, got %d", wl.EverySec)
	}

	return &wl, nil
}
