package namespace

import "strings"

// Candidate is one entry considered for eviction. Candidates are presented
// to a policy in insertion order, oldest first.
type Candidate struct {
	Seq uint64
	Key string
}

// Policy selects a single eviction victim when a namespace exceeds its
// bound. One victim per write keeps bound enforcement cheap; batch eviction
// is deliberately avoided since the check runs on every insertion.
type Policy interface {
	// Name identifies the policy for logging and metrics.
	Name() string

	// Select picks a victim from the candidates. Returns false when there
	// is nothing to evict.
	Select(candidates []Candidate) (Candidate, bool)
}

// FIFOPolicy evicts the oldest entry by insertion order.
type FIFOPolicy struct{}

func (FIFOPolicy) Name() string { return "fifo" }

func (FIFOPolicy) Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	return candidates[0], true
}

// PriorityPolicy evicts by tier before age: entries matching no keyword are
// evicted first, then medium-keyword matches, then high-keyword matches.
// Within a tier the oldest entry goes first. Keywords are matched against
// the cache key, which preserves the URL's alphanumeric content.
type PriorityPolicy struct {
	high   []string
	medium []string
}

// NewPriorityPolicy creates a PriorityPolicy with the given keyword tiers.
func NewPriorityPolicy(high, medium []string) *PriorityPolicy {
	return &PriorityPolicy{high: high, medium: medium}
}

func (*PriorityPolicy) Name() string { return "priority" }

func (p *PriorityPolicy) Select(candidates []Candidate) (Candidate, bool) {
	var firstMedium, firstHigh *Candidate
	for i := range candidates {
		c := &candidates[i]
		switch {
		case matchesAny(c.Key, p.high):
			if firstHigh == nil {
				firstHigh = c
			}
		case matchesAny(c.Key, p.medium):
			if firstMedium == nil {
				firstMedium = c
			}
		default:
			// Oldest low-priority entry wins immediately.
			return *c, true
		}
	}
	if firstMedium != nil {
		return *firstMedium, true
	}
	if firstHigh != nil {
		return *firstHigh, true
	}
	return Candidate{}, false
}

func matchesAny(key string, keywords []string) bool {
	lower := strings.ToLower(key)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
