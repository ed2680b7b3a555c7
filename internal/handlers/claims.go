package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

const maxClaimBodySize = 16 * 1024

// ClaimHandlers exposes return and exchange claim endpoints to internal callers.
type ClaimHandlers struct {
	claims services.ClaimService
}

// NewClaimHandlers constructs a new ClaimHandlers instance.
func NewClaimHandlers(claims services.ClaimService) *ClaimHandlers {
	return &ClaimHandlers{claims: claims}
}

// Routes registers the claim endpoints.
func (h *ClaimHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/claims", h.openClaim)
	r.Get("/claims/{claimID}", h.getClaim)
	r.Post("/claims/{claimID}:execute", h.executeCommand)
	r.Get("/orders/{orderID}/claims", h.listByOrder)
}

type openClaimRequest struct {
	OrderID  string                `json:"orderId"`
	MemberID string                `json:"memberId"`
	Type     string                `json:"type"`
	Items    []itemQuantityPayload `json:"items"`
	Reason   string                `json:"reason"`
}

type executeClaimRequest struct {
	Command         string           `json:"command"`
	ExpectedVersion *int64           `json:"expectedVersion"`
	ActorID         string           `json:"actorId"`
	Reason          string           `json:"reason"`
	Tracking        *trackingPayload `json:"tracking"`
	PickupAt        string           `json:"pickupAt"`
	Inspection      string           `json:"inspection"`
	Memo            string           `json:"memo"`
}

type claimResponse struct {
	Claim claimPayload `json:"claim"`
}

type claimListResponse struct {
	Items []claimPayload `json:"items"`
}

type claimPayload struct {
	ID               string                 `json:"id"`
	OrderID          string                 `json:"orderId"`
	MemberID         string                 `json:"memberId"`
	Type             string                 `json:"type"`
	Status           string                 `json:"status"`
	Items            []itemQuantityPayload  `json:"items"`
	Reason           string                 `json:"reason,omitempty"`
	ReturnShipping   *returnShippingPayload `json:"returnShipping,omitempty"`
	Inspection       string                 `json:"inspection,omitempty"`
	InspectionMemo   string                 `json:"inspectionMemo,omitempty"`
	ExchangeShipping *trackingPayload       `json:"exchangeShipping,omitempty"`
	RejectReason     string                 `json:"rejectReason,omitempty"`
	Version          int64                  `json:"version"`
	CreatedAt        string                 `json:"createdAt"`
	UpdatedAt        string                 `json:"updatedAt"`
	ApprovedAt       string                 `json:"approvedAt,omitempty"`
	ReceivedAt       string                 `json:"receivedAt,omitempty"`
	InspectedAt      string                 `json:"inspectedAt,omitempty"`
	CompletedAt      string                 `json:"completedAt,omitempty"`
	RejectedAt       string                 `json:"rejectedAt,omitempty"`
	WithdrawnAt      string                 `json:"withdrawnAt,omitempty"`
}

type returnShippingPayload struct {
	Method         string `json:"method"`
	Courier        string `json:"courier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	PickupAt       string `json:"pickupAt,omitempty"`
}

func (h *ClaimHandlers) openClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.claims == nil {
		httpx.WriteError(ctx, w, httpx.NewError("claim_service_unavailable", "claim service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req openClaimRequest
	if err := decodeJSONBody(r, maxClaimBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	claim, err := h.claims.Open(ctx, services.OpenClaimCommand{
		OrderID:  strings.TrimSpace(req.OrderID),
		MemberID: strings.TrimSpace(req.MemberID),
		Type:     domain.ClaimType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Items:    itemQuantitiesToDomain(req.Items),
		Reason:   req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Annotate(ctx, "claimId", claim.ID)
	writeJSONResponse(w, http.StatusCreated, claimResponse{Claim: buildClaimPayload(claim)})
}

func (h *ClaimHandlers) getClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.claims == nil {
		httpx.WriteError(ctx, w, httpx.NewError("claim_service_unavailable", "claim service unavailable", http.StatusServiceUnavailable))
		return
	}

	claimID := strings.TrimSpace(chi.URLParam(r, "claimID"))
	if claimID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "claim id is required", http.StatusBadRequest))
		return
	}

	claim, err := h.claims.Get(ctx, claimID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, claimResponse{Claim: buildClaimPayload(claim)})
}

func (h *ClaimHandlers) listByOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.claims == nil {
		httpx.WriteError(ctx, w, httpx.NewError("claim_service_unavailable", "claim service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	claims, err := h.claims.ListByOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := claimListResponse{Items: make([]claimPayload, 0, len(claims))}
	for _, claim := range claims {
		resp.Items = append(resp.Items, buildClaimPayload(claim))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *ClaimHandlers) executeCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.claims == nil {
		httpx.WriteError(ctx, w, httpx.NewError("claim_service_unavailable", "claim service unavailable", http.StatusServiceUnavailable))
		return
	}

	claimID := strings.TrimSpace(chi.URLParam(r, "claimID"))
	if claimID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "claim id is required", http.StatusBadRequest))
		return
	}

	var req executeClaimRequest
	if err := decodeJSONBody(r, maxClaimBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	kind := services.ClaimCommandKind(strings.ToLower(strings.TrimSpace(req.Command)))
	if kind == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "command is required", http.StatusBadRequest))
		return
	}
	pickupAt, err := parseOptionalTime(req.PickupAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pickupAt must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}

	cmd := services.ClaimCommand{
		Kind:            kind,
		ClaimID:         claimID,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         resolveActor(ctx, req.ActorID),
		Reason:          req.Reason,
		PickupAt:        pickupAt,
		Inspection:      domain.InspectionResult(strings.ToUpper(strings.TrimSpace(req.Inspection))),
		Memo:            req.Memo,
	}
	if req.Tracking != nil {
		tracking := req.Tracking.toDomain()
		cmd.Tracking = &tracking
	}

	claim, err := h.claims.Execute(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, claimResponse{Claim: buildClaimPayload(claim)})
}

func buildClaimPayload(claim services.Claim) claimPayload {
	payload := claimPayload{
		ID:             claim.ID,
		OrderID:        claim.OrderID,
		MemberID:       claim.MemberID,
		Type:           string(claim.Type),
		Status:         string(claim.Status),
		Items:          make([]itemQuantityPayload, 0, len(claim.Items)),
		Reason:         claim.Reason,
		Inspection:     string(claim.Inspection),
		InspectionMemo: claim.InspectionMemo,
		RejectReason:   claim.RejectReason,
		Version:        claim.Version,
		CreatedAt:      formatTime(claim.CreatedAt),
		UpdatedAt:      formatTime(claim.UpdatedAt),
		ApprovedAt:     formatTimePtr(claim.ApprovedAt),
		ReceivedAt:     formatTimePtr(claim.ReceivedAt),
		InspectedAt:    formatTimePtr(claim.InspectedAt),
		CompletedAt:    formatTimePtr(claim.CompletedAt),
		RejectedAt:     formatTimePtr(claim.RejectedAt),
		WithdrawnAt:    formatTimePtr(claim.WithdrawnAt),
	}
	for _, item := range claim.Items {
		payload.Items = append(payload.Items, itemQuantityPayload{ItemID: item.ItemID, Quantity: item.Quantity})
	}
	if rs := claim.ReturnShipping; rs.Method != "" {
		payload.ReturnShipping = &returnShippingPayload{
			Method:         string(rs.Method),
			Courier:        rs.Courier,
			TrackingNumber: rs.TrackingNumber,
			PickupAt:       formatTimePtr(rs.PickupAt),
		}
	}
	if es := claim.ExchangeShipping; es.TrackingNumber != "" {
		payload.ExchangeShipping = &trackingPayload{Courier: es.Courier, TrackingNumber: es.TrackingNumber}
	}
	return payload
}
