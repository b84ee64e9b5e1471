package booking

import "github.com/hitoshi/tablebook/internal/model"

// candidateSet は未試行のテーブル集合。
// 残り人数に対して無駄席が最小になるテーブルから順に取り出す。
type candidateSet struct {
	tables []*model.Table
}

func newCandidateSet(tables []*model.Table) *candidateSet {
	c := &candidateSet{tables: make([]*model.Table, 0, len(tables))}
	for _, t := range tables {
		if t.Capacity > 0 {
			c.tables = append(c.tables, t)
		}
	}
	return c
}

// next は次に試すテーブルを取り出す。候補がなければnilを返す。
//
// remaining以上の容量を持つテーブルがあれば、その中で最小のものを選ぶ（1卓で収まり無駄席が最小）。
// なければ最大容量のテーブルを選び、必要なテーブル数を抑える。
// 同容量ではIDの小さいものを優先する。
func (c *candidateSet) next(remaining int) *model.Table {
	if len(c.tables) == 0 {
		return nil
	}

	best := -1
	for i, t := range c.tables {
		if t.Capacity < remaining {
			continue
		}
		if best < 0 || better(t, c.tables[best], true) {
			best = i
		}
	}
	if best < 0 {
		for i, t := range c.tables {
			if best < 0 || better(t, c.tables[best], false) {
				best = i
			}
		}
	}

	chosen := c.tables[best]
	c.tables = append(c.tables[:best], c.tables[best+1:]...)
	return chosen
}

// better はaがbより優先されるかを返す。smallestがtrueなら小さい容量を、falseなら大きい容量を優先する。
func better(a, b *model.Table, smallest bool) bool {
	if a.Capacity != b.Capacity {
		if smallest {
			return a.Capacity < b.Capacity
		}
		return a.Capacity > b.Capacity
	}
	return a.ID < b.ID
}
