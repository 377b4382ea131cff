package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/auth"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/logging"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ratelimit"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/service"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/validation"
)

type ExchangeService interface {
	PlaceOrder(ctx context.Context, in service.PlaceOrderInput) (service.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (ledger.Order, error)
	AttemptMatch(ctx context.Context, orderID int64) (*ledger.Trade, error)
	GetOrder(ctx context.Context, orderID int64) (ledger.Order, error)
	ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]ledger.Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]ledger.Trade, error)
	GetProfile(ctx context.Context, userID int64) (service.Profile, error)
	ListNotifications(ctx context.Context, userID int64, limit int) (service.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, userID int64, id uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)
}

type Handler struct {
	Service ExchangeService
	Logger  *slog.Logger
	// Limiter throttles order placement and cancellation per user; nil disables it.
	Limiter ratelimit.Limiter
}

type placeOrderRequest struct {
	Symbol string      `json:"symbol"`
	Side   string      `json:"side"`
	Price  numericText `json:"price"`
	Amount numericText `json:"amount"`
}

// numericText holds a decimal sent either as a JSON string or as a bare JSON
// number. The literal text is kept so validation sees exactly what was sent.
type numericText string

var numericTextType = reflect.TypeOf(numericText(""))

func (n *numericText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numericText(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return &json.UnmarshalTypeError{Value: "non-numeric literal", Type: numericTextType}
	}
	*n = numericText(num.String())
	return nil
}

type matchRequest struct {
	OrderID int64 `json:"order_id"`
}

type ordersResponse struct {
	Orders []ledger.Order `json:"orders"`
}

type tradesResponse struct {
	Trades []ledger.Trade `json:"trades"`
}

type matchResponse struct {
	Matched bool          `json:"matched"`
	Trade   *ledger.Trade `json:"trade"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Reasons []string                `json:"reasons,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	Details map[string]string       `json:"details,omitempty"`
}

func New(svc ExchangeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/v1", auth.Middleware(jwtSecret))
	group.GET("/profile", h.GetProfile)
	group.GET("/orders", h.ListOrderBook)
	group.POST("/orders", h.throttle("orders"), h.PlaceOrder)
	group.GET("/orders/:id", h.GetOrder)
	group.POST("/orders/:id/cancel", h.throttle("orders"), h.CancelOrder)
	group.GET("/my-orders", h.ListMyOrders)
	group.POST("/match", h.AttemptMatch)
	group.GET("/trades", h.ListTrades)
	group.GET("/notifications", h.ListNotifications)
	group.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	group.POST("/notifications/:id/read", h.MarkNotificationRead)
}

func (h *Handler) throttle(scope string) gin.HandlerFunc {
	if h.Limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ratelimit.Middleware(h.Limiter, scope, h.Logger)
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid payload", nil, payloadFieldErrors(err), nil)
		return
	}

	result, err := h.Service.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		UserID: userID,
		Symbol: req.Symbol,
		Side:   req.Side,
		Price:  string(req.Price),
		Amount: string(req.Amount),
	})
	if err != nil {
		var details map[string]string
		if result.Order.ID != 0 {
			details = map[string]string{"order_id": strconv.FormatInt(result.Order.ID, 10)}
		}
		h.writeServiceError(c, "place order", err, details)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(c, "cancel order", err, nil)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeServiceError(c, "get order", err, nil)
		return
	}
	if order.UserID != userID {
		h.writeServiceError(c, "get order", ledger.ErrForbidden, nil)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) ListOrderBook(c *gin.Context) {
	filter, errs := validation.ValidateOrderFilter(c.Query("symbol"), c.Query("side"), c.Query("status"))
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request", nil, errs, nil)
		return
	}

	orders, err := h.Service.ListOpenOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, "list order book", err, nil)
		return
	}
	c.JSON(http.StatusOK, ordersResponse{Orders: orders})
}

func (h *Handler) ListMyOrders(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	orders, err := h.Service.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "list user orders", err, nil)
		return
	}
	c.JSON(http.StatusOK, ordersResponse{Orders: orders})
}

func (h *Handler) AttemptMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderID <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "order_id is required", nil, nil, nil)
		return
	}

	trade, err := h.Service.AttemptMatch(c.Request.Context(), req.OrderID)
	if err != nil {
		h.writeServiceError(c, "attempt match", err, nil)
		return
	}
	c.JSON(http.StatusOK, matchResponse{Matched: trade != nil, Trade: trade})
}

func (h *Handler) ListTrades(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request", nil,
				[]validation.FieldError{{Field: "limit", Message: "limit must be a positive integer"}}, nil)
			return
		}
		limit = n
	}

	trades, err := h.Service.ListTrades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		h.writeServiceError(c, "list trades", err, nil)
		return
	}
	c.JSON(http.StatusOK, tradesResponse{Trades: trades})
}

func (h *Handler) GetProfile(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	profile, err := h.Service.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "get profile", err, nil)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.Service.ListNotifications(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(c, "list notifications", err, nil)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid notification id", nil, nil, nil)
		return
	}
	if err := h.Service.MarkNotificationRead(c.Request.Context(), userID, id); err != nil {
		h.writeServiceError(c, "mark notification read", err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}
	n, err := h.Service.MarkAllNotificationsRead(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "mark all notifications read", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid order id", nil, nil, nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(c *gin.Context, op string, err error, details map[string]string) {
	if fields, ok := validation.IsValidation(err); ok {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request", nil, fields, details)
		return
	}

	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code, message = http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance"
	case errors.Is(err, ledger.ErrInsufficientAsset):
		status, code, message = http.StatusUnprocessableEntity, "INSUFFICIENT_ASSET", "insufficient asset"
	case errors.Is(err, ledger.ErrInsufficientLockedFunds):
		status, code, message = http.StatusUnprocessableEntity, "INSUFFICIENT_LOCKED_FUNDS", "insufficient locked funds"
	case errors.Is(err, ledger.ErrInsufficientLockedAsset):
		status, code, message = http.StatusUnprocessableEntity, "INSUFFICIENT_LOCKED_ASSET", "insufficient locked asset"
	case errors.Is(err, ledger.ErrInvalidState):
		status, code, message = http.StatusConflict, "INVALID_STATE", "order is not open"
	case errors.Is(err, ledger.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "order belongs to another user"
	case errors.Is(err, ledger.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", notFoundMessage(err)
	}

	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), h.Logger).Error(op+" failed", "error", err)
	}
	writeError(c, status, code, message, []string{service.ErrorReason(err)}, nil, details)
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return "user not found"
	case errors.Is(err, ledger.ErrAssetNotFound):
		return "asset not found"
	case errors.Is(err, ledger.ErrOrderNotFound):
		return "order not found"
	case errors.Is(err, ledger.ErrNotificationNotFound):
		return "notification not found"
	default:
		return "not found"
	}
}

// payloadFieldErrors names the offending field when a body decodes as JSON
// but carries a value of the wrong type.
func payloadFieldErrors(err error) []validation.FieldError {
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) || typeErr.Field == "" {
		return nil
	}
	msg := "must be a " + typeErr.Type.String()
	if typeErr.Type == numericTextType {
		msg = "must be a number or a numeric string"
	}
	return []validation.FieldError{{Field: typeErr.Field, Message: msg}}
}

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []validation.FieldError, details map[string]string) {
	resp := errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	}
	c.JSON(status, resp)
}
