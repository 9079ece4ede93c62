package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// CouponQR renders a usable coupon's code as a PNG for scanning at the
// till. Used or invalidated coupons get the same errors as GetCoupon.
func (h *Handler) CouponQR(w http.ResponseWriter, r *http.Request) {
	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			writeError(w, http.StatusBadRequest, "size must be between 64 and 1024", err)
			return
		}
		size = n
	}

	coupon, err := h.Engine.Validate(r.Context(), chi.URLParam(r, "code"), mustUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	png, err := qrcode.Encode(coupon.Code, qrcode.Medium, size)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
