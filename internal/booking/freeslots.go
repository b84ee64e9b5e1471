package booking

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
)

// FindFreeSlots は指定日の [openAt, closeAt) について、guests名以上が座れる空き時間帯を返す。
//
// 各時間帯はその時点で空いているテーブル容量の合計を持ち、
// 合計容量が等しく隣接する15分枠は1つの時間帯に結合される。
// 返却するシーケンスは遅延評価で、呼び出し側が途中で打ち切れる。
func (e *Engine) FindFreeSlots(ctx context.Context, restaurantID int64, day time.Time, openAt, closeAt model.ClockTime, guests int) (iter.Seq[model.FreeSlot], error) {
	if guests < 1 {
		return nil, model.NewInvalidBookingError("人数は1以上を指定してください")
	}
	if closeAt <= openAt {
		return nil, model.NewInvalidBookingError("終了時刻は開始時刻より後を指定してください")
	}
	if err := e.requireRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}

	rows, err := e.repos.Timeslots.ListFreeByRestaurant(ctx, restaurantID, openAt.On(day), closeAt.On(day))
	if err != nil {
		return nil, fmt.Errorf("空きタイムスロットの取得に失敗しました: %w", err)
	}

	return MergeFreeSlots(rows, guests), nil
}

// MergeFreeSlots は空き枠の行を開始時刻ごとに合計し、guests以上の連続区間を遅延生成する。
func MergeFreeSlots(rows []model.FreeSlotRow, guests int) iter.Seq[model.FreeSlot] {
	steps := sumByStart(rows)

	return func(yield func(model.FreeSlot) bool) {
		var current *model.FreeSlot
		for _, s := range steps {
			if s.Capacity < guests {
				if current != nil {
					if !yield(*current) {
						return
					}
					current = nil
				}
				continue
			}
			if current != nil && current.End.Equal(s.Start) && current.Capacity == s.Capacity {
				current.End = s.End
				continue
			}
			if current != nil {
				if !yield(*current) {
					return
				}
			}
			step := s
			current = &step
		}
		if current != nil {
			yield(*current)
		}
	}
}

// sumByStart は同じ開始時刻の枠の容量を合計し、開始時刻順に並べる。
func sumByStart(rows []model.FreeSlotRow) []model.FreeSlot {
	byStart := make(map[int64]*model.FreeSlot)
	for _, r := range rows {
		key := r.Start.UnixNano()
		s, ok := byStart[key]
		if !ok {
			s = &model.FreeSlot{Start: r.Start, End: r.End}
			byStart[key] = s
		}
		if r.End.After(s.End) {
			s.End = r.End
		}
		s.Capacity += r.Capacity
	}

	steps := make([]model.FreeSlot, 0, len(byStart))
	for _, s := range byStart {
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Start.Before(steps[j].Start) })
	return steps
}
