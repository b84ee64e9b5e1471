package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/tablebook/internal/model"
	"github.com/hitoshi/tablebook/internal/repository"
)

// memStore はテスト用のインメモリストア。
// ReserveTableは重複確認と作成の間でロックを手放すため、
// 呼び出し側の排他制御がなければ重複予約が起こり得る。
type memStore struct {
	mu           sync.Mutex
	restaurants  map[int64]*model.Restaurant
	users        map[int64]*model.User
	tables       []*model.Table
	slots        []*model.Timeslot
	reservations map[int64]*model.Reservation
	nextID       int64
	reserveErr   error
	deleteCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		restaurants:  make(map[int64]*model.Restaurant),
		users:        make(map[int64]*model.User),
		reservations: make(map[int64]*model.Reservation),
	}
}

func (s *memStore) addRestaurant(id int64, durationMinutes int) {
	s.restaurants[id] = &model.Restaurant{ID: id, TimeSlotDuration: durationMinutes}
}

func (s *memStore) addUser(id int64) {
	s.users[id] = &model.User{ID: id, Email: "user@example.com"}
}

func (s *memStore) addTable(id, restaurantID int64, capacity int) {
	s.tables = append(s.tables, &model.Table{ID: id, RestaurantID: restaurantID, Capacity: capacity})
}

// seedSlots はテーブルの [from, to) に15分枠を作成する。
func (s *memStore) seedSlots(tableID int64, from, to time.Time) {
	for t := from; !t.Add(model.SlotGranularity).After(to); t = t.Add(model.SlotGranularity) {
		s.nextID++
		s.slots = append(s.slots, &model.Timeslot{ID: s.nextID, TableID: tableID, Start: t, End: t.Add(model.SlotGranularity)})
	}
}

func (s *memStore) reservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

func (s *memStore) tableOf(id int64) *model.Table {
	for _, t := range s.tables {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *memStore) repos() Repositories {
	return Repositories{
		Restaurants:  memRestaurants{s},
		Users:        memUsers{s},
		Tables:       memTables{s},
		Timeslots:    memTimeslots{s},
		Reservations: memReservations{s},
	}
}

type memRestaurants struct{ s *memStore }

func (m memRestaurants) FindByID(ctx context.Context, id int64) (*model.Restaurant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.restaurants[id], nil
}

func (m memRestaurants) ListAll(ctx context.Context) ([]*model.Restaurant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.Restaurant
	for _, r := range m.s.restaurants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memUsers struct{ s *memStore }

func (m memUsers) FindByID(ctx context.Context, id int64) (*model.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.users[id], nil
}

type memTables struct{ s *memStore }

func (m memTables) ListByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Table, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.Table
	for _, t := range m.s.tables {
		if t.RestaurantID == restaurantID {
			out = append(out, t)
		}
	}
	return out, nil
}

type memTimeslots struct{ s *memStore }

func (m memTimeslots) CreateBatch(ctx context.Context, slots []*model.Timeslot) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.slots = append(m.s.slots, slots...)
	return len(slots), nil
}

func (m memTimeslots) ListFreeByRestaurant(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.FreeSlotRow, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.FreeSlotRow
	for _, sl := range m.s.slots {
		t := m.s.tableOf(sl.TableID)
		if t == nil || t.RestaurantID != restaurantID || !sl.IsFree() {
			continue
		}
		if sl.Start.Before(from) || !sl.Start.Before(to) {
			continue
		}
		out = append(out, model.FreeSlotRow{TableID: sl.TableID, Start: sl.Start, End: sl.End, Capacity: t.Capacity})
	}
	return out, nil
}

type memReservations struct{ s *memStore }

func (m memReservations) ExistsForUserOnDay(ctx context.Context, userID int64, dayStart time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	dayEnd := dayStart.AddDate(0, 0, 1)
	for _, r := range m.s.reservations {
		if r.UserID == userID && !r.Start.Before(dayStart) && r.Start.Before(dayEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (m memReservations) ReserveTable(ctx context.Context, res *model.Reservation) (*model.Reservation, error) {
	m.s.mu.Lock()
	if m.s.reserveErr != nil {
		err := m.s.reserveErr
		m.s.mu.Unlock()
		return nil, err
	}
	overlap := false
	for _, r := range m.s.reservations {
		if r.TableID == res.TableID && r.Overlaps(res.Start, res.End) {
			overlap = true
		}
	}
	free := 0
	for _, sl := range m.s.slots {
		if sl.TableID == res.TableID && sl.IsFree() && !sl.Start.Before(res.Start) && sl.Start.Before(res.End) {
			free++
		}
	}
	m.s.mu.Unlock()

	need := int(res.End.Sub(res.Start) / model.SlotGranularity)
	if overlap || free < need {
		return nil, repository.ErrTableUnavailable
	}

	// 確認と作成の間に他のゴルーチンが割り込む余地を作る
	time.Sleep(time.Millisecond)

	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nextID++
	created := *res
	created.ID = m.s.nextID
	m.s.reservations[created.ID] = &created
	uid := res.UserID
	for _, sl := range m.s.slots {
		if sl.TableID == res.TableID && !sl.Start.Before(res.Start) && sl.Start.Before(res.End) {
			sl.UserID = &uid
		}
	}
	return &created, nil
}

func (m memReservations) FindByID(ctx context.Context, id int64) (*model.Reservation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.reservations[id], nil
}

func (m memReservations) ListByRestaurantAndDay(ctx context.Context, restaurantID int64, dayStart time.Time) ([]*model.Reservation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	dayEnd := dayStart.AddDate(0, 0, 1)
	var out []*model.Reservation
	for _, r := range m.s.reservations {
		if r.RestaurantID == restaurantID && !r.Start.Before(dayStart) && r.Start.Before(dayEnd) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memReservations) deleteMatching(match func(*model.Reservation) bool) []*model.Reservation {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.deleteCalls++
	var deleted []*model.Reservation
	for id, r := range m.s.reservations {
		if !match(r) {
			continue
		}
		delete(m.s.reservations, id)
		deleted = append(deleted, r)
		for _, sl := range m.s.slots {
			if sl.TableID == r.TableID && sl.UserID != nil && *sl.UserID == r.UserID &&
				!sl.Start.Before(r.Start) && sl.Start.Before(r.End) {
				sl.UserID = nil
			}
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].ID < deleted[j].ID })
	return deleted
}

func (m memReservations) DeleteByIDs(ctx context.Context, ids []int64) ([]*model.Reservation, error) {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return m.deleteMatching(func(r *model.Reservation) bool { return set[r.ID] }), nil
}

func (m memReservations) DeleteByUserAndDay(ctx context.Context, userID int64, dayStart time.Time) ([]*model.Reservation, error) {
	dayEnd := dayStart.AddDate(0, 0, 1)
	return m.deleteMatching(func(r *model.Reservation) bool {
		return r.UserID == userID && !r.Start.Before(dayStart) && r.Start.Before(dayEnd)
	}), nil
}

func (m memReservations) DeleteByRestaurant(ctx context.Context, restaurantID int64) ([]*model.Reservation, error) {
	return m.deleteMatching(func(r *model.Reservation) bool { return r.RestaurantID == restaurantID }), nil
}

// recordingPublisher は発行されたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev model.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) snapshot() []model.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ChangeEvent(nil), p.events...)
}
