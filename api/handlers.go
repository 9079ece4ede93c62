/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine over REST. Handles HTTP request/response,
  JSON serialization and validation, and delegates to loyalty.Engine.

ENDPOINTS:
  Members (any valid token, subject = user):
    GET    /api/me/experience                 Balances, tier and history
    POST   /api/me/redemptions                Redeem points into a coupon
    GET    /api/me/coupons/{code}             Validate a coupon
    GET    /api/me/coupons/{code}/qr          Coupon code as a PNG QR code
    POST   /api/me/coupons/{code}/apply       Use a coupon on an order
    POST   /api/me/coupons/{code}/invalidate  Retire a coupon
    POST   /api/me/referral                   Record who referred the caller

  Services (role = service):
    POST   /api/internal/users                                  Register member
    POST   /api/internal/users/{userID}/tier/recompute          Recompute tier
    POST   /api/internal/orders/{orderID}/earn                  Payment captured
    POST   /api/internal/orders/{orderID}/convert               Return window closed
    POST   /api/internal/orders/{orderID}/reverse               Cancelled / returned
    POST   /api/internal/referrals/{refereeID}/first-order-delivered

ERROR HANDLING:
  Errors are returned as JSON with the status from statusFor:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid token
  - 404: Unknown coupon, user or referrer
  - 409: Coupon already used or invalidated, referee already referred
  - 422: Insufficient balance
  - 503: Storage unavailable, retry later
  - 500: Anything else (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Bearer token verification
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores and caches that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *loyalty.Engine

	validate *validator.Validate
	logger   *slog.Logger
	checks   map[string]Pinger
}

// NewHandler creates a handler around engine. checks are pinged by /healthz.
func NewHandler(engine *loyalty.Engine, logger *slog.Logger, checks map[string]Pinger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:   engine,
		validate: validator.New(),
		logger:   logger,
		checks:   checks,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, p := range h.checks {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "component", name, "error", err)
			status[name] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetExperience returns the caller's balances, tier and recent history.
func (h *Handler) GetExperience(w http.ResponseWriter, r *http.Request) {
	userID := mustUser(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	exp, err := h.Engine.Experience(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// Redeem turns available points into a coupon.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	coupon, err := h.Engine.Redeem(r.Context(), mustUser(r), req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponDTO(coupon))
}

// GetCoupon validates a coupon for checkout.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.Engine.Validate(r.Context(), chi.URLParam(r, "code"), mustUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(coupon))
}

// ApplyCoupon marks a coupon used by an order.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req ApplyCouponRequest
	if !h.decode(w, r, &req) {
		return
	}

	coupon, err := h.Engine.Apply(r.Context(), chi.URLParam(r, "code"), mustUser(r), ledger.OrderID(req.OrderID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(coupon))
}

// InvalidateCoupon retires a coupon, re-crediting it if it had been used.
func (h *Handler) InvalidateCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.Engine.Invalidate(r.Context(), chi.URLParam(r, "code"), mustUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(coupon))
}

// CreateReferral records that the referrer in the body referred the caller.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	referral, err := h.Engine.CreateReferral(r.Context(), ledger.UserID(req.ReferrerID), mustUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(referral))
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.Engine.RegisterUser(r.Context(), ledger.UserID(req.UserID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (h *Handler) RecomputeTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	tier, err := h.Engine.RecomputeTier(r.Context(), ledger.UserID(userID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TierResponse{UserID: userID, Tier: string(tier)})
}

// Earn credits pending points for a captured payment.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.Engine.CreditEarned(r.Context(), ledger.UserID(req.UserID), ledger.OrderID(chi.URLParam(r, "orderID")), req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// Convert makes an order's pending points available.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	n, err := h.Engine.ConvertPendingToAvailable(r.Context(), ledger.OrderID(orderID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConvertResponse{OrderID: orderID, Converted: n})
}

// Reverse claws back the points of a cancelled or returned order.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderID")

	reversals, err := h.Engine.ReverseEarned(r.Context(), ledger.OrderID(orderID), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReverseResponse{OrderID: orderID, Reversals: toEntryDTOs(reversals)})
}

// FirstOrderDelivered pays out the referee's pending referral, if any.
func (h *Handler) FirstOrderDelivered(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.OnRefereeFirstOrderDelivered(r.Context(), ledger.UserID(chi.URLParam(r, "refereeID")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardResponse(result))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// mustUser returns the authenticated member. Routes using it sit behind
// RequireUser.
func mustUser(r *http.Request) ledger.UserID {
	userID, _ := UserFromContext(r.Context())
	return userID
}

// decode parses and validates the JSON body. It writes the 400 itself and
// reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				resp.Fields[fe.Field()] = fmt.Sprintf("failed on '%s' tag", fe.Tag())
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, loyalty.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, loyalty.ErrCouponNotFound),
		errors.Is(err, loyalty.ErrUserNotFound),
		errors.Is(err, loyalty.ErrReferrerNotFound):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrCouponAlreadyUsed),
		errors.Is(err, loyalty.ErrCouponInvalidated),
		errors.Is(err, loyalty.ErrRefereeAlreadyReferred),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case loyalty.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, http.StatusText(status), nil)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}
