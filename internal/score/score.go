// Package score ranks feed items against keyword sets.
//
// Rank is a pure function of (items, keyword sets): it never touches the
// store, and given the same inputs it produces the same ranked lists down to
// the final tie-break. Delivery history is applied later by the pipeline.
package score

import (
	"sort"
	"time"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/normalize"
)

const (
	requiredWeight = 10
	boostWeight    = 3
)

// Scored is one surviving (item, keyword set) pair. Ephemeral: it is only
// persisted once the pipeline promotes it to a delivery record.
type Scored struct {
	SetID           string
	SetName         string
	Item            feed.Item
	Score           int
	RequiredMatches []string
	BoostMatches    []string
}

// Rank scores every item against every enabled keyword set and returns the
// survivors per set id, sorted by score desc, published desc, fetched desc,
// organization asc, title asc. Items without a published timestamp sort as
// oldest. Disabled sets get an empty (nil) list.
func Rank(items []feed.Item, sets []config.KeywordSet) map[string][]Scored {
	results := make(map[string][]Scored, len(sets))
	for _, set := range sets {
		results[set.ID] = nil
	}

	for _, item := range items {
		title := normalize.Text(item.Title)
		for i := range sets {
			set := &sets[i]
			if !set.Enabled {
				continue
			}
			scored, ok := scoreOne(title, item, set)
			if !ok {
				continue
			}
			results[set.ID] = append(results[set.ID], scored)
		}
	}

	for id := range results {
		sortScored(results[id])
	}
	return results
}

// scoreOne applies the gate, veto and weights for a single pair.
func scoreOne(normalizedTitle string, item feed.Item, set *config.KeywordSet) (Scored, bool) {
	var requiredHits []string
	for _, term := range set.Required {
		if normalize.ContainsTerm(normalizedTitle, term) {
			requiredHits = append(requiredHits, term)
		}
	}
	if len(requiredHits) < set.MinRequiredMatches {
		return Scored{}, false
	}

	for _, term := range set.Exclude {
		if !normalize.ContainsTerm(normalizedTitle, term) {
			continue
		}
		// An exclude hit disqualifies unless some exception term also matches.
		if !anyTermMatches(normalizedTitle, set.ExcludeExceptions) {
			return Scored{}, false
		}
		break
	}

	var boostHits []string
	for _, term := range set.Boost {
		if normalize.ContainsTerm(normalizedTitle, term) {
			boostHits = append(boostHits, term)
		}
	}

	return Scored{
		SetID:           set.ID,
		SetName:         set.Name,
		Item:            item,
		Score:           requiredWeight*len(requiredHits) + boostWeight*len(boostHits),
		RequiredMatches: requiredHits,
		BoostMatches:    boostHits,
	}, true
}

func anyTermMatches(normalizedTitle string, terms []string) bool {
	for _, term := range terms {
		if normalize.ContainsTerm(normalizedTitle, term) {
			return true
		}
	}
	return false
}

func sortScored(scored []Scored) {
	sort.Slice(scored, func(i, j int) bool {
		a, b := &scored[i], &scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ap, bp := publishedOrZero(a.Item), publishedOrZero(b.Item)
		if !ap.Equal(bp) {
			return ap.After(bp)
		}
		if !a.Item.FetchedAt.Equal(b.Item.FetchedAt) {
			return a.Item.FetchedAt.After(b.Item.FetchedAt)
		}
		if a.Item.Organization != b.Item.Organization {
			return a.Item.Organization < b.Item.Organization
		}
		return a.Item.Title < b.Item.Title
	})
}

func publishedOrZero(item feed.Item) time.Time {
	if item.PublishedAt == nil {
		return time.Time{}
	}
	return *item.PublishedAt
}
