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

const (
	maxCheckoutBodySize     = 256 * 1024
	maxOrderCommandBodySize = 16 * 1024
)

// OrderHandlers exposes checkout placement and order commands to internal callers.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the checkout and order endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkouts", h.placeCheckout)
	r.Get("/orders", h.listOrdersByPayment)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:execute", h.executeCommand)
}

type placeCheckoutRequest struct {
	CheckoutID   string                  `json:"checkoutId"`
	PaymentID    string                  `json:"paymentId"`
	MemberID     string                  `json:"memberId"`
	ActorID      string                  `json:"actorId"`
	Lines        []checkoutLineRequest   `json:"lines"`
	Shipping     shippingPayload         `json:"shipping"`
	ShippingFees map[string]domain.Money `json:"shippingFees"`
	PaidAmount   domain.Money            `json:"paidAmount"`
	MileageUsed  domain.Money            `json:"mileageUsed"`
}

type checkoutLineRequest struct {
	ProductID string                 `json:"productId"`
	Quantity  int                    `json:"quantity"`
	UnitPrice domain.Money           `json:"unitPrice"`
	Raffle    bool                   `json:"raffle"`
	Snapshot  productSnapshotPayload `json:"snapshot"`
}

type executeOrderRequest struct {
	Command            string                `json:"command"`
	ExpectedVersion    *int64                `json:"expectedVersion"`
	IdempotentOnTarget bool                  `json:"idempotentOnTarget"`
	ActorID            string                `json:"actorId"`
	Reason             string                `json:"reason"`
	Tracking           *trackingPayload      `json:"tracking"`
	Items              []itemQuantityPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

func (h *OrderHandlers) placeCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req placeCheckoutRequest
	if err := decodeJSONBody(r, maxCheckoutBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.PlaceCheckoutCommand{
		CheckoutID:   strings.TrimSpace(req.CheckoutID),
		PaymentID:    strings.TrimSpace(req.PaymentID),
		MemberID:     strings.TrimSpace(req.MemberID),
		Shipping:     req.Shipping.toDomain(),
		ShippingFees: req.ShippingFees,
		PaidAmount:   req.PaidAmount,
		MileageUsed:  req.MileageUsed,
		ActorID:      resolveActor(ctx, req.ActorID),
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CheckoutLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Snapshot:  line.Snapshot.toDomain(),
			Raffle:    line.Raffle,
		})
	}

	orders, err := h.orders.PlaceCheckout(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	requestctx.Annotate(ctx, "paymentId", cmd.PaymentID)
	resp := orderListResponse{Items: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *OrderHandlers) listOrdersByPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	paymentID := strings.TrimSpace(r.URL.Query().Get("paymentId"))
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId query parameter is required", http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListByPayment(ctx, paymentID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := orderListResponse{Items: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) executeCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req executeOrderRequest
	if err := decodeJSONBody(r, maxOrderCommandBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	kind := services.OrderCommandKind(strings.ToLower(strings.TrimSpace(req.Command)))
	if kind == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "command is required", http.StatusBadRequest))
		return
	}

	cmd := services.OrderCommand{
		Kind:               kind,
		OrderID:            orderID,
		ExpectedVersion:    req.ExpectedVersion,
		IdempotentOnTarget: req.IdempotentOnTarget,
		ActorID:            resolveActor(ctx, req.ActorID),
		Reason:             req.Reason,
		Items:              itemQuantitiesToDomain(req.Items),
	}
	if req.Tracking != nil {
		tracking := req.Tracking.toDomain()
		cmd.Tracking = &tracking
	}

	order, err := h.orders.Execute(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderPayload struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"orderNumber"`
	CheckoutID      string                 `json:"checkoutId"`
	PaymentID       string                 `json:"paymentId"`
	MemberID        string                 `json:"memberId"`
	SellerID        string                 `json:"sellerId"`
	Status          string                 `json:"status"`
	Items           []orderItemPayload     `json:"items"`
	Shipping        shippingPayload        `json:"shipping"`
	ShippingFee     domain.Money           `json:"shippingFee"`
	Discounts       []orderDiscountPayload `json:"discounts,omitempty"`
	TotalItemAmount domain.Money           `json:"totalItemAmount"`
	DiscountAmount  domain.Money           `json:"discountAmount"`
	TotalAmount     domain.Money           `json:"totalAmount"`
	Payment         orderPaymentPayload    `json:"payment"`
	Refunds         []refundSheetPayload   `json:"refunds,omitempty"`
	CancelReason    string                 `json:"cancelReason,omitempty"`
	ReturnReason    string                 `json:"returnReason,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt"`
	Timeline        orderTimelinePayload   `json:"timeline"`
}

type orderItemPayload struct {
	ID                string                 `json:"id"`
	ProductID         string                 `json:"productId"`
	Quantity          int                    `json:"quantity"`
	CancelledQuantity int                    `json:"cancelledQuantity"`
	RefundedQuantity  int                    `json:"refundedQuantity"`
	UnitPrice         domain.Money           `json:"unitPrice"`
	Raffle            bool                   `json:"raffle,omitempty"`
	Snapshot          productSnapshotPayload `json:"snapshot"`
}

type productSnapshotPayload struct {
	ProductID  string       `json:"productId"`
	Name       string       `json:"name"`
	ImageURL   string       `json:"imageUrl,omitempty"`
	BrandID    string       `json:"brandId,omitempty"`
	BrandName  string       `json:"brandName,omitempty"`
	CategoryID string       `json:"categoryId,omitempty"`
	SellerID   string       `json:"sellerId"`
	Price      domain.Money `json:"price"`
}

type shippingPayload struct {
	ReceiverName   string `json:"receiverName"`
	Phone          string `json:"phone"`
	ZipCode        string `json:"zipCode"`
	AddressLine1   string `json:"addressLine1"`
	AddressLine2   string `json:"addressLine2,omitempty"`
	Memo           string `json:"memo,omitempty"`
	Courier        string `json:"courier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type orderDiscountPayload struct {
	PolicyID     string       `json:"policyId"`
	Group        string       `json:"group"`
	Amount       domain.Money `json:"amount"`
	Label        string       `json:"label,omitempty"`
	PlatformCost domain.Money `json:"platformCost"`
	SellerCost   domain.Money `json:"sellerCost"`
}

type orderPaymentPayload struct {
	PaymentID       string       `json:"paymentId"`
	PaidAmount      domain.Money `json:"paidAmount"`
	MileageUsed     domain.Money `json:"mileageUsed"`
	RefundedCash    domain.Money `json:"refundedCash"`
	RefundedMileage domain.Money `json:"refundedMileage"`
}

type refundSheetPayload struct {
	ID            string       `json:"id"`
	Reason        string       `json:"reason,omitempty"`
	RefundAmount  domain.Money `json:"refundAmount"`
	CashAmount    domain.Money `json:"cashAmount"`
	MileageAmount domain.Money `json:"mileageAmount"`
	CreatedAt     string       `json:"createdAt"`
}

type orderTimelinePayload struct {
	ConfirmedAt       string `json:"confirmedAt,omitempty"`
	PreparingAt       string `json:"preparingAt,omitempty"`
	ShippedAt         string `json:"shippedAt,omitempty"`
	DeliveredAt       string `json:"deliveredAt,omitempty"`
	CompletedAt       string `json:"completedAt,omitempty"`
	CancelledAt       string `json:"cancelledAt,omitempty"`
	FailedAt          string `json:"failedAt,omitempty"`
	CancelRequestedAt string `json:"cancelRequestedAt,omitempty"`
	ReturnRequestedAt string `json:"returnRequestedAt,omitempty"`
	ReturnRecantedAt  string `json:"returnRecantedAt,omitempty"`
	ReturnCompletedAt string `json:"returnCompletedAt,omitempty"`
}

type trackingPayload struct {
	Courier        string `json:"courier"`
	TrackingNumber string `json:"trackingNumber"`
}

type itemQuantityPayload struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

func (p shippingPayload) toDomain() domain.ShippingInfo {
	return domain.ShippingInfo{
		ReceiverName:   strings.TrimSpace(p.ReceiverName),
		Phone:          strings.TrimSpace(p.Phone),
		ZipCode:        strings.TrimSpace(p.ZipCode),
		AddressLine1:   strings.TrimSpace(p.AddressLine1),
		AddressLine2:   strings.TrimSpace(p.AddressLine2),
		Memo:           p.Memo,
		Courier:        strings.TrimSpace(p.Courier),
		TrackingNumber: strings.TrimSpace(p.TrackingNumber),
	}
}

func (p productSnapshotPayload) toDomain() domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ProductID:  strings.TrimSpace(p.ProductID),
		Name:       p.Name,
		ImageURL:   p.ImageURL,
		BrandID:    strings.TrimSpace(p.BrandID),
		BrandName:  p.BrandName,
		CategoryID: strings.TrimSpace(p.CategoryID),
		SellerID:   strings.TrimSpace(p.SellerID),
		Price:      p.Price,
	}
}

func (p trackingPayload) toDomain() domain.ShipmentTracking {
	return domain.ShipmentTracking{
		Courier:        strings.TrimSpace(p.Courier),
		TrackingNumber: strings.TrimSpace(p.TrackingNumber),
	}
}

func itemQuantitiesToDomain(items []itemQuantityPayload) []domain.ItemQuantity {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.ItemQuantity, 0, len(items))
	for _, item := range items {
		out = append(out, domain.ItemQuantity{ItemID: strings.TrimSpace(item.ItemID), Quantity: item.Quantity})
	}
	return out
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		CheckoutID:      order.CheckoutID,
		PaymentID:       order.PaymentID,
		MemberID:        order.MemberID,
		SellerID:        order.SellerID,
		Status:          string(order.Status),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingFee:     order.ShippingFee,
		TotalItemAmount: order.TotalItemAmount,
		DiscountAmount:  order.DiscountAmount,
		TotalAmount:     order.TotalAmount,
		Payment: orderPaymentPayload{
			PaymentID:       order.Payment.PaymentID,
			PaidAmount:      order.Payment.PaidAmount,
			MileageUsed:     order.Payment.MileageUsed,
			RefundedCash:    order.Payment.RefundedCash,
			RefundedMileage: order.Payment.RefundedMileage,
		},
		CancelReason: order.CancelReason,
		ReturnReason: order.ReturnReason,
		Version:      order.Version,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		Timeline: orderTimelinePayload{
			ConfirmedAt:       formatTimePtr(order.ConfirmedAt),
			PreparingAt:       formatTimePtr(order.PreparingAt),
			ShippedAt:         formatTimePtr(order.ShippedAt),
			DeliveredAt:       formatTimePtr(order.DeliveredAt),
			CompletedAt:       formatTimePtr(order.CompletedAt),
			CancelledAt:       formatTimePtr(order.CancelledAt),
			FailedAt:          formatTimePtr(order.FailedAt),
			CancelRequestedAt: formatTimePtr(order.CancelRequestedAt),
			ReturnRequestedAt: formatTimePtr(order.ReturnRequestedAt),
			ReturnRecantedAt:  formatTimePtr(order.ReturnRecantedAt),
			ReturnCompletedAt: formatTimePtr(order.ReturnCompletedAt),
		},
	}

	s := order.Shipping
	payload.Shipping = shippingPayload{
		ReceiverName:   s.ReceiverName,
		Phone:          s.Phone,
		ZipCode:        s.ZipCode,
		AddressLine1:   s.AddressLine1,
		AddressLine2:   s.AddressLine2,
		Memo:           s.Memo,
		Courier:        s.Courier,
		TrackingNumber: s.TrackingNumber,
	}

	for _, item := range order.Items {
		snap := item.Snapshot
		payload.Items = append(payload.Items, orderItemPayload{
			ID:                item.ID,
			ProductID:         item.ProductID,
			Quantity:          item.Quantity,
			CancelledQuantity: item.CancelledQuantity,
			RefundedQuantity:  item.RefundedQuantity,
			UnitPrice:         item.UnitPrice,
			Raffle:            item.Raffle,
			Snapshot: productSnapshotPayload{
				ProductID:  snap.ProductID,
				Name:       snap.Name,
				ImageURL:   snap.ImageURL,
				BrandID:    snap.BrandID,
				BrandName:  snap.BrandName,
				CategoryID: snap.CategoryID,
				SellerID:   snap.SellerID,
				Price:      snap.Price,
			},
		})
	}

	for _, discount := range order.Discounts {
		payload.Discounts = append(payload.Discounts, orderDiscountPayload{
			PolicyID:     discount.PolicyID,
			Group:        string(discount.Group),
			Amount:       discount.Amount,
			Label:        discount.Label,
			PlatformCost: discount.PlatformCost,
			SellerCost:   discount.SellerCost,
		})
	}

	for _, sheet := range order.Refunds {
		payload.Refunds = append(payload.Refunds, refundSheetPayload{
			ID:            sheet.ID,
			Reason:        sheet.Reason,
			RefundAmount:  sheet.RefundAmount,
			CashAmount:    sheet.CashAmount,
			MileageAmount: sheet.MileageAmount,
			CreatedAt:     formatTime(sheet.CreatedAt),
		})
	}

	return payload
}
