/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags, checked by
  Handler.decode before any engine call.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/experience.go: The experience view, returned as is
*/
package api

import (
	"time"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// MEMBER REQUESTS
// =============================================================================

// RedeemRequest leaves the range check to the engine, which answers
// non-positive amounts with an insufficient balance error.
type RedeemRequest struct {
	Points int64 `json:"points"`
}

type ApplyCouponRequest struct {
	OrderID string `json:"order_id" validate:"required,max=128"`
}

type CreateReferralRequest struct {
	ReferrerID string `json:"referrer_id" validate:"required,max=128"`
}

// =============================================================================
// SERVICE REQUESTS
// =============================================================================

type RegisterUserRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type EarnRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Points int64  `json:"points" validate:"required,gt=0"`
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"required,oneof=cancelled returned"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type CouponDTO struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	PointsValue   int64      `json:"points_value"`
	Source        string     `json:"source"`
	Used          bool       `json:"used"`
	OrderID       string     `json:"order_id,omitempty"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toCouponDTO(c ledger.Coupon) CouponDTO {
	return CouponDTO{
		ID:            c.ID,
		Code:          c.Code,
		PointsValue:   c.PointsValue,
		Source:        string(c.Source),
		Used:          c.Used,
		OrderID:       string(c.OrderID),
		InvalidatedAt: c.InvalidatedAt,
		CreatedAt:     c.CreatedAt,
	}
}

type EntryDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Points    int64     `json:"points"`
	Reason    string    `json:"reason"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		UserID:    string(e.UserID),
		OrderID:   string(e.OrderID),
		Type:      string(e.Type),
		Status:    string(e.Status),
		Points:    e.Points,
		Reason:    e.Reason,
		Reference: e.Reference,
		CreatedAt: e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

type ReferralDTO struct {
	ReferrerID string     `json:"referrer_id"`
	RefereeID  string     `json:"referee_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	RewardedAt *time.Time `json:"rewarded_at,omitempty"`
}

func toReferralDTO(r ledger.Referral) ReferralDTO {
	return ReferralDTO{
		ReferrerID: string(r.ReferrerID),
		RefereeID:  string(r.RefereeID),
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		RewardedAt: r.RewardedAt,
	}
}

type UserDTO struct {
	ID            string    `json:"id"`
	LoyaltyTier   string    `json:"loyalty_tier"`
	TierUpdatedAt time.Time `json:"tier_updated_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserDTO(u ledger.User) UserDTO {
	return UserDTO{
		ID:            string(u.ID),
		LoyaltyTier:   string(u.LoyaltyTier),
		TierUpdatedAt: u.TierUpdatedAt,
		CreatedAt:     u.CreatedAt,
	}
}

type ConvertResponse struct {
	OrderID   string `json:"order_id"`
	Converted int    `json:"converted"`
}

type ReverseResponse struct {
	OrderID   string     `json:"order_id"`
	Reversals []EntryDTO `json:"reversals"`
}

type RewardResponse struct {
	Outcome  string       `json:"outcome"`
	Referral *ReferralDTO `json:"referral,omitempty"`
	Bonus    *EntryDTO    `json:"bonus,omitempty"`
	Voucher  *CouponDTO   `json:"voucher,omitempty"`
}

func toRewardResponse(r loyalty.RewardResult) RewardResponse {
	resp := RewardResponse{Outcome: string(r.Outcome)}
	if r.Referral != nil {
		dto := toReferralDTO(*r.Referral)
		resp.Referral = &dto
	}
	if r.Bonus != nil {
		dto := toEntryDTO(*r.Bonus)
		resp.Bonus = &dto
	}
	if r.Voucher != nil {
		dto := toCouponDTO(*r.Voucher)
		resp.Voucher = &dto
	}
	return resp
}

type TierResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
