// Package votes turns raw audience comments into ranked, collector-weighted
// support for candidate narrative directions.
package votes

import (
	"context"
	"math"
	"sort"

	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
)

// BalanceFn resolves an account's qualifying token balance. Used for
// token-weighted voting; nil means one account, one vote.
type BalanceFn func(ctx context.Context, account string) (float64, error)

// Weighted pairs a comment with its computed vote weight.
type Weighted struct {
	Comment *graph.Comment
	Votes   float64
}

// Saturation cap on a single voter's token weight. Without it a whale's
// balance would drown out every other collector.
const maxTokenWeight = 10.0

// Latest filters comments down to those created after the post's last
// successful update. Idempotent given the same inputs.
func Latest(media *models.SmartMedia, comments []*graph.Comment) []*graph.Comment {
	var out []*graph.Comment
	for _, c := range comments {
		if c.Timestamp > media.UpdatedAt {
			out = append(out, c)
		}
	}
	return out
}

// Weigh computes the vote weight of each comment. A comment's voters are its
// author plus all distinct up-voters, restricted to the collectors set;
// non-collectors never count. With a nil balance function the weight is the
// count of qualifying voters; otherwise it is the sum of a monotonic,
// saturating function of each voter's token balance.
//
// An empty qualifying voter set yields zero weight, not an error, and the
// comment stays in the output.
func Weigh(ctx context.Context, comments []*graph.Comment, collectors []string, balance BalanceFn) ([]Weighted, error) {
	isCollector := make(map[string]bool, len(collectors))
	for _, c := range collectors {
		isCollector[c] = true
	}

	out := make([]Weighted, 0, len(comments))
	for _, c := range comments {
		seen := map[string]bool{c.Author: true}
		voters := make([]string, 0, len(c.Upvoters)+1)
		if isCollector[c.Author] {
			voters = append(voters, c.Author)
		}
		for _, v := range c.Upvoters {
			if seen[v] {
				continue
			}
			seen[v] = true
			if isCollector[v] {
				voters = append(voters, v)
			}
		}

		var w float64
		if balance == nil {
			w = float64(len(voters))
		} else {
			for _, v := range voters {
				bal, err := balance(ctx, v)
				if err != nil {
					return nil, err
				}
				w += tokenWeight(bal)
			}
		}
		out = append(out, Weighted{Comment: c, Votes: w})
	}
	return out, nil
}

// tokenWeight maps a token balance to a vote weight. Monotonic in the
// balance, saturating at maxTokenWeight. A voter holding zero tokens still
// counts for one vote when they qualified as a collector.
func tokenWeight(balance float64) float64 {
	if balance < 0 {
		balance = 0
	}
	w := 1 + math.Log10(1+balance)
	if w > maxTokenWeight {
		return maxTokenWeight
	}
	return w
}

// Rank orders weighted comments by descending vote weight. Ties keep the
// original comment order (stable sort).
func Rank(weighted []Weighted) []Weighted {
	out := make([]Weighted, len(weighted))
	copy(out, weighted)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Votes > out[j].Votes
	})
	return out
}
