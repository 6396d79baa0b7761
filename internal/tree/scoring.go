package tree

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/taskmgr818/treeforge/internal/model"
)

// ComparisonSet is a parent with at least two accepted children and the
// rankings workers submitted for them.
type ComparisonSet struct {
	Parent   uuid.UUID
	Children []uuid.UUID
	Rankings [][]uuid.UUID
}

// Scorer aggregates rankings into a score per child message.
type Scorer interface {
	Score(ctx context.Context, sets []ComparisonSet) (map[uuid.UUID]float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, sets []ComparisonSet) (map[uuid.UUID]float64, error)

func (f ScorerFunc) Score(ctx context.Context, sets []ComparisonSet) (map[uuid.UUID]float64, error) {
	return f(ctx, sets)
}

// BordaScorer scores each child by its mean normalized position: 1 for
// always first, 0 for always last.
type BordaScorer struct{}

func (BordaScorer) Score(_ context.Context, sets []ComparisonSet) (map[uuid.UUID]float64, error) {
	scores := make(map[uuid.UUID]float64)
	for _, set := range sets {
		if len(set.Rankings) == 0 {
			return nil, fmt.Errorf("parent %s: no rankings", set.Parent)
		}
		member := make(map[uuid.UUID]bool, len(set.Children))
		for _, c := range set.Children {
			member[c] = true
		}
		sum := make(map[uuid.UUID]float64, len(set.Children))
		for _, ranking := range set.Rankings {
			if len(ranking) < 2 {
				return nil, fmt.Errorf("parent %s: ranking of %d entries", set.Parent, len(ranking))
			}
			last := float64(len(ranking) - 1)
			for pos, id := range ranking {
				if !member[id] {
					return nil, fmt.Errorf("parent %s: ranking names %s, not an accepted child", set.Parent, id)
				}
				sum[id] += (last - float64(pos)) / last
			}
		}
		for _, c := range set.Children {
			scores[c] = sum[c] / float64(len(set.Rankings))
		}
	}
	return scores, nil
}

// comparisonSets groups accepted children by parent, keeping parents with at
// least two of them, in tree order.
func comparisonSets(msgs []model.Message) []ComparisonSet {
	children := make(map[uuid.UUID][]uuid.UUID)
	var parents []uuid.UUID
	for _, m := range msgs {
		if m.ParentID == nil || !m.Accepted() || m.Deleted {
			continue
		}
		if _, seen := children[*m.ParentID]; !seen {
			parents = append(parents, *m.ParentID)
		}
		children[*m.ParentID] = append(children[*m.ParentID], m.ID)
	}
	var sets []ComparisonSet
	for _, p := range parents {
		if len(children[p]) >= 2 {
			sets = append(sets, ComparisonSet{Parent: p, Children: children[p]})
		}
	}
	return sets
}

// attachRankings fills each set's Rankings from rows and returns the number
// of sets still short of required rankings.
func attachRankings(sets []ComparisonSet, rows []model.MessageRanking, required int) (int, error) {
	byParent := make(map[uuid.UUID][][]uuid.UUID)
	for _, row := range rows {
		var ids []uuid.UUID
		if err := json.Unmarshal(row.Ranking, &ids); err != nil {
			return 0, fmt.Errorf("ranking %s: %w", row.ID, err)
		}
		byParent[row.ParentMessageID] = append(byParent[row.ParentMessageID], ids)
	}
	short := 0
	for i := range sets {
		sets[i].Rankings = byParent[sets[i].Parent]
		if len(sets[i].Rankings) < required {
			short++
		}
	}
	return short, nil
}
