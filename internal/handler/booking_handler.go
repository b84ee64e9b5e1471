package handler

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tablebook/internal/booking"
	"github.com/hitoshi/tablebook/internal/middleware"
	"github.com/hitoshi/tablebook/internal/model"
)

// BookingService は予約ハンドラーが必要とする予約エンジンのインターフェース。
type BookingService interface {
	BookSlot(ctx context.Context, restaurantID, userID int64, start time.Time, partySize int) ([]*model.Reservation, error)
	FindFreeSlots(ctx context.Context, restaurantID int64, day time.Time, openAt, closeAt model.ClockTime, guests int) (iter.Seq[model.FreeSlot], error)
	FindReservationsForRestaurant(ctx context.Context, restaurantID int64, day time.Time) ([]model.ReservationGroup, error)
	DeleteReservation(ctx context.Context, reservationID int64) error
	DeleteReservationUserDay(ctx context.Context, userID int64, day time.Time) (int, error)
	DeleteAllReservations(ctx context.Context, restaurantID int64) (int, error)
}

var _ BookingService = (*booking.Engine)(nil)

// BookingHandler は予約APIのHTTPハンドラー。
// 入力の解釈とJSON変換のみを行い、判断はすべて予約エンジンに委ねる。
type BookingHandler struct {
	service BookingService
	loc     *time.Location
}

// NewBookingHandler はBookingHandlerを生成する。
// locは日付のみのパラメータ（day）を解釈するタイムゾーン。
func NewBookingHandler(service BookingService, loc *time.Location) *BookingHandler {
	if loc == nil {
		loc = time.Local
	}
	return &BookingHandler{service: service, loc: loc}
}

// --- リクエスト・レスポンス型 ---

// bookingRequest は予約作成リクエストのボディ。
type bookingRequest struct {
	Start  string `json:"start"` // RFC3339
	Guests int    `json:"guests"`
}

// reservationResponse は1テーブル分の予約のレスポンス。
type reservationResponse struct {
	ID           int64     `json:"id"`
	RestaurantID int64     `json:"restaurant_id"`
	TableID      int64     `json:"table_id"`
	UserID       int64     `json:"user_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Guests       int       `json:"guests"`
}

// bookingResponse は予約作成のレスポンス。
type bookingResponse struct {
	Reservations []reservationResponse `json:"reservations"`
}

// freeSlotResponse は空き時間帯のレスポンス。
type freeSlotResponse struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Capacity int       `json:"capacity"`
}

// reservationGroupResponse はユーザー単位に集約した予約のレスポンス。
type reservationGroupResponse struct {
	UserID       int64                 `json:"user_id"`
	Start        time.Time             `json:"start"`
	End          time.Time             `json:"end"`
	Guests       int                   `json:"guests"`
	Reservations []reservationResponse `json:"reservations"`
}

// deletedResponse は一括削除の件数レスポンス。
type deletedResponse struct {
	Deleted int `json:"deleted"`
}

func toReservationResponse(r *model.Reservation) reservationResponse {
	return reservationResponse{
		ID:           r.ID,
		RestaurantID: r.RestaurantID,
		TableID:      r.TableID,
		UserID:       r.UserID,
		Start:        r.Start,
		End:          r.End,
		Guests:       r.Guests,
	}
}

func toReservationResponses(reservations []*model.Reservation) []reservationResponse {
	out := make([]reservationResponse, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, toReservationResponse(r))
	}
	return out
}

// CreateBooking は人数分のテーブルを確保する。
// POST /api/restaurants/:id/bookings
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		handleServiceError(w, r, model.NewUnauthorizedError(middleware.UserIDHeader+" ヘッダーを指定してください。"))
		return
	}

	restaurantID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		invalidParameter(w, "body", "JSONの形式が不正です")
		return
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		invalidParameter(w, "start", "RFC3339形式で指定してください")
		return
	}

	created, err := h.service.BookSlot(r.Context(), restaurantID, userID, start.In(h.loc), req.Guests)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, bookingResponse{Reservations: toReservationResponses(created)})
}

// ListFreeSlots は指定日の時間範囲で人数分の空きがある時間帯を返す。
// GET /api/restaurants/:id/free-slots?day=2024-05-06&open=10:00&close=20:00&guests=2
func (h *BookingHandler) ListFreeSlots(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	day, ok := h.queryDay(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	openAt, err := model.ParseClockTime(q.Get("open"))
	if err != nil {
		invalidParameter(w, "open", "HH:MM形式で指定してください")
		return
	}
	closeAt, err := model.ParseClockTime(q.Get("close"))
	if err != nil {
		invalidParameter(w, "close", "HH:MM形式で指定してください")
		return
	}
	guests := 1
	if s := q.Get("guests"); s != "" {
		guests, err = strconv.Atoi(s)
		if err != nil {
			invalidParameter(w, "guests", "整数で指定してください")
			return
		}
	}

	slots, err := h.service.FindFreeSlots(r.Context(), restaurantID, day, openAt, closeAt, guests)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	out := []freeSlotResponse{}
	for s := range slots {
		out = append(out, freeSlotResponse{Start: s.Start, End: s.End, Capacity: s.Capacity})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListReservations はレストランの指定日の予約をユーザー単位で返す。
// GET /api/restaurants/:id/reservations?day=2024-05-06
func (h *BookingHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	day, ok := h.queryDay(w, r)
	if !ok {
		return
	}

	groups, err := h.service.FindReservationsForRestaurant(r.Context(), restaurantID, day)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	out := make([]reservationGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, reservationGroupResponse{
			UserID:       g.UserID,
			Start:        g.Start,
			End:          g.End,
			Guests:       g.Guests,
			Reservations: toReservationResponses(g.Reservations),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteRestaurantReservations はレストランの予約をすべて取り消す。
// DELETE /api/restaurants/:id/reservations
func (h *BookingHandler) DeleteRestaurantReservations(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	n, err := h.service.DeleteAllReservations(r.Context(), restaurantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

// DeleteReservation は予約を1件取り消す。
// DELETE /api/reservations/:id
func (h *BookingHandler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteReservation(r.Context(), reservationID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUserReservations はユーザーの指定日の予約をすべて取り消す。
// DELETE /api/users/:id/reservations?day=2024-05-06
func (h *BookingHandler) DeleteUserReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	day, ok := h.queryDay(w, r)
	if !ok {
		return
	}

	n, err := h.service.DeleteReservationUserDay(r.Context(), userID, day)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Deleted: n})
}

// pathID はパスパラメータを正の整数IDとして解釈する。失敗時は400を書き込みfalseを返す。
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		invalidParameter(w, name, "正の整数で指定してください")
		return 0, false
	}
	return id, true
}

// queryDay はdayクエリ（YYYY-MM-DD）をハンドラーのタイムゾーンで解釈する。
func (h *BookingHandler) queryDay(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	day, err := time.ParseInLocation(time.DateOnly, r.URL.Query().Get("day"), h.loc)
	if err != nil {
		invalidParameter(w, "day", "YYYY-MM-DD形式で指定してください")
		return time.Time{}, false
	}
	return day, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
