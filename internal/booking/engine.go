// Package booking は予約の確保・検索・取消のドメインロジックを提供する。
// テーブル単位のロックで重複予約を防ぎ、確定した変更を購読者向けに発行する。
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/model"
	"github.com/hitoshi/tablebook/internal/repository"
)

// ChangePublisher は変更イベントの発行インターフェース。
// 同一プロセスの通知サーバー、またはRedis/Kafkaのイベントバスが実装する。
type ChangePublisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// Repositories はEngineが使用するリポジトリの組。
type Repositories struct {
	Restaurants  repository.RestaurantRepository
	Users        repository.UserRepository
	Tables       repository.TableRepository
	Timeslots    repository.TimeslotRepository
	Reservations repository.ReservationRepository
}

// Engine は予約エンジン。
// テーブルごとの排他区間内で重複確認と予約作成を行い、
// 異なるテーブルへの予約は並行に進められる。
type Engine struct {
	repos      Repositories
	publisher  ChangePublisher
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	tableLocks *keyedMutex
	userLocks  *keyedMutex
}

// NewEngine はEngineの新しいインスタンスを生成する。
// metricsCollectorがnilの場合はメトリクスを記録しない。
func NewEngine(repos Repositories, publisher ChangePublisher, metricsCollector metrics.MetricsCollector, logger *slog.Logger) *Engine {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Engine{
		repos:      repos,
		publisher:  publisher,
		metrics:    metricsCollector,
		logger:     logger,
		tableLocks: newKeyedMutex(),
		userLocks:  newKeyedMutex(),
	}
}

// BookSlot はレストランの指定時刻に人数分のテーブルを確保する。
//
// 同日に既に予約があるユーザーはConflictエラーになる。
// 空き席が人数に満たない場合、この呼び出しで作成した予約はすべて取り消され
// NotEnoughCapacityエラーを返す。成功時はtable-updatedイベントを発行する。
func (e *Engine) BookSlot(ctx context.Context, restaurantID, userID int64, start time.Time, partySize int) ([]*model.Reservation, error) {
	began := time.Now()
	created, err := e.bookSlot(ctx, restaurantID, userID, start, partySize)
	e.metrics.RecordBookingLatency(time.Since(began))
	if err != nil {
		e.metrics.RecordBookingFailure(failureReason(err))
		return nil, err
	}
	e.metrics.RecordBookingSuccess(len(created))

	// 通知は利用者ロックを解放した後に行う
	e.publish(ctx, model.ChangeEvent{
		RestaurantID:   restaurantID,
		ReservationIDs: reservationIDs(created),
		Message:        model.MessageTableUpdated,
	})
	return created, nil
}

func (e *Engine) bookSlot(ctx context.Context, restaurantID, userID int64, start time.Time, partySize int) ([]*model.Reservation, error) {
	if partySize < 1 {
		return nil, model.NewInvalidBookingError("人数は1以上を指定してください")
	}
	if !isAligned(start) {
		return nil, model.NewInvalidBookingError(
			fmt.Sprintf("開始時刻は%d分単位で指定してください", int(model.SlotGranularity/time.Minute)))
	}

	restaurant, err := e.repos.Restaurants.FindByID(ctx, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("レストランの取得に失敗しました: %w", err)
	}
	if restaurant == nil {
		return nil, model.NewRestaurantNotFoundError(restaurantID)
	}
	if restaurant.Duration() <= 0 {
		return nil, model.NewInvalidBookingError("レストランの滞在時間が設定されていません")
	}

	user, err := e.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	// 同一ユーザーの同時リクエストは直列化し、同日予約チェックをすり抜けないようにする
	unlockUser := e.userLocks.Lock(userID)
	defer unlockUser()

	day := model.StartOfDay(start)
	exists, err := e.repos.Reservations.ExistsForUserOnDay(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("同日予約の確認に失敗しました: %w", err)
	}
	if exists {
		return nil, model.NewConflictError(userID, day)
	}

	end := start.Add(restaurant.Duration())

	tables, err := e.repos.Tables.ListByRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("テーブル一覧の取得に失敗しました: %w", err)
	}

	var created []*model.Reservation
	remaining := partySize
	candidates := newCandidateSet(tables)

	for remaining > 0 {
		table := candidates.next(remaining)
		if table == nil {
			break
		}

		res, err := e.reserveOnTable(ctx, table, userID, start, end, min(table.Capacity, remaining))
		if errors.Is(err, repository.ErrTableUnavailable) {
			e.logger.Debug("テーブルは確保できませんでした",
				slog.Int64("restaurant_id", restaurantID),
				slog.Int64("table_id", table.ID),
			)
			continue
		}
		if err != nil {
			e.rollback(ctx, created)
			return nil, err
		}

		created = append(created, res)
		remaining -= res.Guests
	}

	if remaining > 0 {
		e.rollback(ctx, created)
		e.logger.Info("空き席が不足しているため予約できませんでした",
			slog.Int64("restaurant_id", restaurantID),
			slog.Int64("user_id", userID),
			slog.Time("start", start),
			slog.Int("party_size", partySize),
		)
		return nil, model.NewNotEnoughCapacityError(partySize, start)
	}

	ids := reservationIDs(created)
	e.logger.Info("予約を確定しました",
		slog.Int64("restaurant_id", restaurantID),
		slog.Int64("user_id", userID),
		slog.Time("start", start),
		slog.Int("party_size", partySize),
		slog.Any("reservation_ids", ids),
	)
	return created, nil
}

// reserveOnTable はテーブルのロックを保持している間だけ重複確認と予約作成を行う。
func (e *Engine) reserveOnTable(ctx context.Context, table *model.Table, userID int64, start, end time.Time, guests int) (*model.Reservation, error) {
	unlock := e.tableLocks.Lock(table.ID)
	defer unlock()

	res, err := e.repos.Reservations.ReserveTable(ctx, &model.Reservation{
		TableID:      table.ID,
		RestaurantID: table.RestaurantID,
		UserID:       userID,
		Start:        start,
		End:          end,
		Guests:       guests,
	})
	if err != nil {
		if errors.Is(err, repository.ErrTableUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("テーブル %d の予約に失敗しました: %w", table.ID, err)
	}
	return res, nil
}

// rollback は途中まで作成した予約を取り消す。
func (e *Engine) rollback(ctx context.Context, created []*model.Reservation) {
	if len(created) == 0 {
		return
	}
	ids := reservationIDs(created)
	if _, err := e.repos.Reservations.DeleteByIDs(ctx, ids); err != nil {
		e.logger.Error("予約のロールバックに失敗しました",
			slog.Any("reservation_ids", ids),
			slog.String("error", err.Error()),
		)
	}
}

// FindReservationsForRestaurant はレストランの指定日の予約をユーザー単位で集約して返す。
// 複数テーブルにまたがる予約は1グループにまとめ、人数を合算する。
func (e *Engine) FindReservationsForRestaurant(ctx context.Context, restaurantID int64, day time.Time) ([]model.ReservationGroup, error) {
	if err := e.requireRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}

	reservations, err := e.repos.Reservations.ListByRestaurantAndDay(ctx, restaurantID, model.StartOfDay(day))
	if err != nil {
		return nil, fmt.Errorf("予約一覧の取得に失敗しました: %w", err)
	}
	return GroupByUser(reservations), nil
}

// GroupByUser は予約をユーザー単位に集約する。グループは最初に現れた順に並ぶ。
func GroupByUser(reservations []*model.Reservation) []model.ReservationGroup {
	index := make(map[int64]int)
	var groups []model.ReservationGroup
	for _, r := range reservations {
		i, ok := index[r.UserID]
		if !ok {
			index[r.UserID] = len(groups)
			groups = append(groups, model.ReservationGroup{
				UserID: r.UserID,
				Start:  r.Start,
				End:    r.End,
			})
			i = len(groups) - 1
		}
		g := &groups[i]
		if r.Start.Before(g.Start) {
			g.Start = r.Start
		}
		if r.End.After(g.End) {
			g.End = r.End
		}
		g.Guests += r.Guests
		g.Reservations = append(g.Reservations, r)
	}
	return groups
}

// DeleteReservation は指定IDの予約を取り消す。
func (e *Engine) DeleteReservation(ctx context.Context, reservationID int64) error {
	res, err := e.repos.Reservations.FindByID(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	if res == nil {
		return model.NewReservationNotFoundError(reservationID)
	}

	deleted, err := e.repos.Reservations.DeleteByIDs(ctx, []int64{reservationID})
	if err != nil {
		return fmt.Errorf("予約の削除に失敗しました: %w", err)
	}
	e.publishDeleted(ctx, deleted)
	return nil
}

// DeleteReservationUserDay はユーザーの指定日の予約をすべて取り消し、件数を返す。
func (e *Engine) DeleteReservationUserDay(ctx context.Context, userID int64, day time.Time) (int, error) {
	user, err := e.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return 0, model.NewUserNotFoundError(userID)
	}

	deleted, err := e.repos.Reservations.DeleteByUserAndDay(ctx, userID, model.StartOfDay(day))
	if err != nil {
		return 0, fmt.Errorf("予約の削除に失敗しました: %w", err)
	}
	e.publishDeleted(ctx, deleted)
	return len(deleted), nil
}

// DeleteAllReservations はレストランの予約をすべて取り消し、件数を返す。
func (e *Engine) DeleteAllReservations(ctx context.Context, restaurantID int64) (int, error) {
	if err := e.requireRestaurant(ctx, restaurantID); err != nil {
		return 0, err
	}

	deleted, err := e.repos.Reservations.DeleteByRestaurant(ctx, restaurantID)
	if err != nil {
		return 0, fmt.Errorf("予約の削除に失敗しました: %w", err)
	}
	e.publishDeleted(ctx, deleted)
	return len(deleted), nil
}

func (e *Engine) requireRestaurant(ctx context.Context, restaurantID int64) error {
	restaurant, err := e.repos.Restaurants.FindByID(ctx, restaurantID)
	if err != nil {
		return fmt.Errorf("レストランの取得に失敗しました: %w", err)
	}
	if restaurant == nil {
		return model.NewRestaurantNotFoundError(restaurantID)
	}
	return nil
}

// publishDeleted は削除した予約をレストラン単位にまとめてreservation-deletedイベントを発行する。
func (e *Engine) publishDeleted(ctx context.Context, deleted []*model.Reservation) {
	byRestaurant := make(map[int64][]int64)
	var order []int64
	for _, r := range deleted {
		if _, ok := byRestaurant[r.RestaurantID]; !ok {
			order = append(order, r.RestaurantID)
		}
		byRestaurant[r.RestaurantID] = append(byRestaurant[r.RestaurantID], r.ID)
	}
	for _, rid := range order {
		e.logger.Info("予約を取り消しました",
			slog.Int64("restaurant_id", rid),
			slog.Any("reservation_ids", byRestaurant[rid]),
		)
		e.publish(ctx, model.ChangeEvent{
			RestaurantID:   rid,
			ReservationIDs: byRestaurant[rid],
			Message:        model.MessageReservationDeleted,
		})
	}
}

// publish は変更イベントを発行する。
// 予約は確定済みのため、発行に失敗してもログに残すのみで呼び出し元には返さない。
func (e *Engine) publish(ctx context.Context, ev model.ChangeEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("変更イベントの発行に失敗しました",
			slog.Int64("restaurant_id", ev.RestaurantID),
			slog.String("message", ev.Message),
			slog.String("error", err.Error()),
		)
	}
}

// isAligned はtが生成単位の境界上にあるかを返す。
func isAligned(t time.Time) bool {
	step := int(model.SlotGranularity / time.Minute)
	return t.Minute()%step == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func reservationIDs(reservations []*model.Reservation) []int64 {
	ids := make([]int64, len(reservations))
	for i, r := range reservations {
		ids[i] = r.ID
	}
	return ids
}

// failureReason はエラーをメトリクスのラベル値に分類する。
func failureReason(err error) string {
	switch {
	case model.IsConflict(err):
		return "conflict"
	case model.IsNotEnoughCapacity(err):
		return "capacity"
	case model.IsNotFound(err):
		return "not_found"
	case model.HasCode(err, model.ErrCodeInvalidBooking):
		return "invalid"
	default:
		return "error"
	}
}
