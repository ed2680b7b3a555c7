package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/pagination"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

const (
	maxDiscountPolicyBodySize   = 32 * 1024
	defaultDiscountPolicyPage   = 20
	maxDiscountPolicyPageSize   = 100
	discountPolicyFilterGroup   = "group"
	discountPolicyFilterActive  = "active"
	discountPolicyFilterDeleted = "deleted"
)

// DiscountPolicyHandlers exposes seller discount policy management.
type DiscountPolicyHandlers struct {
	policies services.DiscountPolicyService
}

// NewDiscountPolicyHandlers constructs a new DiscountPolicyHandlers instance.
func NewDiscountPolicyHandlers(policies services.DiscountPolicyService) *DiscountPolicyHandlers {
	return &DiscountPolicyHandlers{policies: policies}
}

// Routes registers the /sellers/{sellerID}/discount-policies endpoints.
func (h *DiscountPolicyHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/sellers/{sellerID}/discount-policies", func(rt chi.Router) {
		rt.Get("/", h.listPolicies)
		rt.Post("/", h.registerPolicy)
		rt.Get("/{policyID}", h.getPolicy)
		rt.Put("/{policyID}", h.updatePolicy)
		rt.Post("/{policyID}:default", h.setDefault)
		rt.Delete("/{policyID}", h.deletePolicy)
	})
}

type discountPolicyRequest struct {
	ActorID        string            `json:"actorId"`
	Name           string            `json:"name"`
	Group          string            `json:"group"`
	Type           string            `json:"type"`
	TargetType     string            `json:"targetType"`
	TargetIDs      []string          `json:"targetIds"`
	Rate           *decimal.Decimal  `json:"rate"`
	FixedAmount    *domain.Money     `json:"fixedAmount"`
	MaxDiscount    *domain.Money     `json:"maxDiscount"`
	MinOrderAmount *domain.Money     `json:"minOrderAmount"`
	ValidFrom      string            `json:"validFrom"`
	ValidTo        string            `json:"validTo"`
	UsageLimit     usageLimitPayload `json:"usageLimit"`
	CostShare      costSharePayload  `json:"costShare"`
	Priority       int               `json:"priority"`
	Active         bool              `json:"active"`
	Exclusive      bool              `json:"exclusive"`
}

type actorRequest struct {
	ActorID string `json:"actorId"`
}

type usageLimitPayload struct {
	PerMember *int64 `json:"perMember,omitempty"`
	Total     *int64 `json:"total,omitempty"`
}

type costSharePayload struct {
	PlatformPercent decimal.Decimal `json:"platformPercent"`
	SellerPercent   decimal.Decimal `json:"sellerPercent"`
}

type discountPolicyPayload struct {
	ID             string            `json:"id"`
	SellerID       string            `json:"sellerId"`
	Name           string            `json:"name"`
	Group          string            `json:"group"`
	Type           string            `json:"type"`
	TargetType     string            `json:"targetType"`
	TargetIDs      []string          `json:"targetIds,omitempty"`
	Rate           *decimal.Decimal  `json:"rate,omitempty"`
	FixedAmount    *domain.Money     `json:"fixedAmount,omitempty"`
	MaxDiscount    *domain.Money     `json:"maxDiscount,omitempty"`
	MinOrderAmount *domain.Money     `json:"minOrderAmount,omitempty"`
	ValidFrom      string            `json:"validFrom"`
	ValidTo        string            `json:"validTo"`
	UsageLimit     usageLimitPayload `json:"usageLimit"`
	CostShare      costSharePayload  `json:"costShare"`
	Priority       int               `json:"priority"`
	Active         bool              `json:"active"`
	Exclusive      bool              `json:"exclusive"`
	Default        bool              `json:"default"`
	DeletedAt      string            `json:"deletedAt,omitempty"`
	CreatedAt      string            `json:"createdAt"`
	UpdatedAt      string            `json:"updatedAt"`
}

type discountPolicyResponse struct {
	Policy discountPolicyPayload `json:"policy"`
}

type discountPolicyListResponse struct {
	Items         []discountPolicyPayload `json:"items"`
	NextPageToken string                  `json:"nextPageToken,omitempty"`
}

func (h *DiscountPolicyHandlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultDiscountPolicyPage,
		MaxPageSize:     maxDiscountPolicyPageSize,
		Filters: []pagination.Filter{
			{Field: discountPolicyFilterGroup, OneOf: []string{
				string(domain.DiscountGroupProduct),
				string(domain.DiscountGroupMember),
				string(domain.DiscountGroupSeller),
				string(domain.DiscountGroupPlatform),
			}},
			{Field: discountPolicyFilterActive, Bool: true},
			{Field: discountPolicyFilterDeleted, Bool: true},
		},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.DiscountPolicyListFilter{
		Pagination:     services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
		ActiveOnly:     params.Bool(discountPolicyFilterActive),
		IncludeDeleted: params.Bool(discountPolicyFilterDeleted),
	}
	if group, ok := params.Filter(discountPolicyFilterGroup); ok {
		filter.Group = domain.DiscountGroup(group)
	}

	page, err := h.policies.ListBySeller(ctx, strings.TrimSpace(chi.URLParam(r, "sellerID")), filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := discountPolicyListResponse{
		Items:         make([]discountPolicyPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, policy := range page.Items {
		resp.Items = append(resp.Items, buildDiscountPolicyPayload(policy))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *DiscountPolicyHandlers) registerPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req discountPolicyRequest
	if err := decodeJSONBody(r, maxDiscountPolicyBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	policy, err := req.toDomain(chi.URLParam(r, "sellerID"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	created, err := h.policies.Register(ctx, services.RegisterDiscountPolicyCommand{
		ActorID: resolveActor(ctx, req.ActorID),
		Policy:  policy,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, discountPolicyResponse{Policy: buildDiscountPolicyPayload(created)})
}

func (h *DiscountPolicyHandlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	policy, err := h.policies.Get(ctx, strings.TrimSpace(chi.URLParam(r, "policyID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if policy.SellerID != strings.TrimSpace(chi.URLParam(r, "sellerID")) {
		writeServiceError(ctx, w, services.ErrDiscountPolicyNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, discountPolicyResponse{Policy: buildDiscountPolicyPayload(policy)})
}

func (h *DiscountPolicyHandlers) updatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req discountPolicyRequest
	if err := decodeJSONBody(r, maxDiscountPolicyBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	sellerID := strings.TrimSpace(chi.URLParam(r, "sellerID"))
	policy, err := req.toDomain(sellerID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	updated, err := h.policies.Update(ctx, services.UpdateDiscountPolicyCommand{
		ActorID:  resolveActor(ctx, req.ActorID),
		PolicyID: strings.TrimSpace(chi.URLParam(r, "policyID")),
		SellerID: sellerID,
		Policy:   policy,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, discountPolicyResponse{Policy: buildDiscountPolicyPayload(updated)})
}

func (h *DiscountPolicyHandlers) setDefault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req actorRequest
	if err := decodeOptionalJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	policy, err := h.policies.SetDefault(ctx, services.SetDefaultDiscountPolicyCommand{
		ActorID:  resolveActor(ctx, req.ActorID),
		PolicyID: strings.TrimSpace(chi.URLParam(r, "policyID")),
		SellerID: strings.TrimSpace(chi.URLParam(r, "sellerID")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, discountPolicyResponse{Policy: buildDiscountPolicyPayload(policy)})
}

func (h *DiscountPolicyHandlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policies == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discount_policy_service_unavailable", "discount policy service unavailable", http.StatusServiceUnavailable))
		return
	}

	err := h.policies.Delete(ctx, services.DeleteDiscountPolicyCommand{
		ActorID:  resolveActor(ctx, r.URL.Query().Get("actorId")),
		PolicyID: strings.TrimSpace(chi.URLParam(r, "policyID")),
		SellerID: strings.TrimSpace(chi.URLParam(r, "sellerID")),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req discountPolicyRequest) toDomain(sellerID string) (domain.DiscountPolicy, error) {
	validFrom, err := parseOptionalTime(req.ValidFrom)
	if err != nil {
		return domain.DiscountPolicy{}, errors.New("validFrom must be a valid RFC3339 timestamp")
	}
	validTo, err := parseOptionalTime(req.ValidTo)
	if err != nil {
		return domain.DiscountPolicy{}, errors.New("validTo must be a valid RFC3339 timestamp")
	}

	policy := domain.DiscountPolicy{
		SellerID:       strings.TrimSpace(sellerID),
		Name:           req.Name,
		Group:          domain.DiscountGroup(strings.ToUpper(strings.TrimSpace(req.Group))),
		Type:           domain.DiscountType(strings.ToUpper(strings.TrimSpace(req.Type))),
		TargetType:     domain.DiscountTargetType(strings.ToUpper(strings.TrimSpace(req.TargetType))),
		TargetIDs:      req.TargetIDs,
		Rate:           req.Rate,
		FixedAmount:    req.FixedAmount,
		MaxDiscount:    req.MaxDiscount,
		MinOrderAmount: req.MinOrderAmount,
		UsageLimit:     domain.UsageLimit{PerMember: req.UsageLimit.PerMember, Total: req.UsageLimit.Total},
		CostShare: domain.CostShare{
			PlatformPercent: req.CostShare.PlatformPercent,
			SellerPercent:   req.CostShare.SellerPercent,
		},
		Priority:  req.Priority,
		Active:    req.Active,
		Exclusive: req.Exclusive,
	}
	if validFrom != nil {
		policy.ValidFrom = *validFrom
	}
	if validTo != nil {
		policy.ValidTo = *validTo
	}
	return policy, nil
}

func buildDiscountPolicyPayload(policy services.DiscountPolicy) discountPolicyPayload {
	return discountPolicyPayload{
		ID:             policy.ID,
		SellerID:       policy.SellerID,
		Name:           policy.Name,
		Group:          string(policy.Group),
		Type:           string(policy.Type),
		TargetType:     string(policy.TargetType),
		TargetIDs:      policy.TargetIDs,
		Rate:           policy.Rate,
		FixedAmount:    policy.FixedAmount,
		MaxDiscount:    policy.MaxDiscount,
		MinOrderAmount: policy.MinOrderAmount,
		ValidFrom:      formatTime(policy.ValidFrom),
		ValidTo:        formatTime(policy.ValidTo),
		UsageLimit:     usageLimitPayload{PerMember: policy.UsageLimit.PerMember, Total: policy.UsageLimit.Total},
		CostShare: costSharePayload{
			PlatformPercent: policy.CostShare.PlatformPercent,
			SellerPercent:   policy.CostShare.SellerPercent,
		},
		Priority:  policy.Priority,
		Active:    policy.Active,
		Exclusive: policy.Exclusive,
		Default:   policy.Default,
		DeletedAt: formatTimePtr(policy.DeletedAt),
		CreatedAt: formatTime(policy.CreatedAt),
		UpdatedAt: formatTime(policy.UpdatedAt),
	}
}
