package dispatch

import (
	"slices"
	"strings"

	"github.com/samber/lo"
)

// CoinLists maps list names (F1, F2, ...) to coin symbols. It is built once
// and never mutated.
type CoinLists struct {
	lists map[string][]string
	names []string
}

// NewCoinLists normalises names and symbols to upper case and drops blanks.
func NewCoinLists(raw map[string][]string) CoinLists {
	lists := make(map[string][]string, len(raw))
	for name, coins := range raw {
		key := strings.ToUpper(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		normalized := lo.Uniq(lo.FilterMap(coins, func(c string, _ int) (string, bool) {
			c = strings.ToUpper(strings.TrimSpace(c))
			return c, c != ""
		}))
		if len(normalized) == 0 {
			continue
		}
		lists[key] = normalized
	}
	names := lo.Keys(lists)
	slices.Sort(names)
	return CoinLists{lists: lists, names: names}
}

// Lookup resolves a list name case-insensitively.
func (c CoinLists) Lookup(name string) ([]string, bool) {
	coins, ok := c.lists[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return slices.Clone(coins), true
}

// Names returns the list names in sorted order.
func (c CoinLists) Names() []string {
	return slices.Clone(c.names)
}
