// Package persona models the AI trader personalities and builds the
// prompts they think with.
package persona

import (
	"fmt"

	"github.com/risefleet/botd/internal/store"
)

// Style is how a persona approaches the market.
type Style string

const (
	StyleAggressive   Style = "aggressive"
	StyleConservative Style = "conservative"
	StyleContrarian   Style = "contrarian"
	StyleMomentum     Style = "momentum"
	StyleDegen        Style = "degen"
)

var knownStyles = map[Style]struct{}{
	StyleAggressive:   {},
	StyleConservative: {},
	StyleContrarian:   {},
	StyleMomentum:     {},
	StyleDegen:        {},
}

// ParseStyle validates a wire string against the known trading styles.
func ParseStyle(s string) (Style, error) {
	st := Style(s)
	if _, ok := knownStyles[st]; !ok {
		return "", fmt.Errorf("unknown trading style %q", s)
	}
	return st, nil
}

// Persona is the immutable character a profile trades and chats as.
type Persona struct {
	Name           string
	Handle         string
	Bio            string
	Style          Style
	RiskTolerance  float64
	FavoriteAssets []string
	Traits         []string
}

// FromProfile lifts the persona fields out of a stored profile.
func FromProfile(p store.Profile) Persona {
	style, err := ParseStyle(p.TradingStyle)
	if err != nil {
		style = StyleConservative
	}
	return Persona{
		Name:           p.Name,
		Handle:         p.Handle,
		Bio:            p.Bio,
		Style:          style,
		RiskTolerance:  p.RiskTolerance,
		FavoriteAssets: p.FavoriteAssets,
		Traits:         p.Traits,
	}
}
