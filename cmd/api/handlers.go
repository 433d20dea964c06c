package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"settleflow/auth"
	"settleflow/barter"
	"settleflow/catalog"
	"settleflow/escrow"
	"settleflow/orchestrator"
)

const (
	defaultExpiryDays   = 7
	defaultProductLimit = 20
)

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type productResponse struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"sellerId"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Active    bool            `json:"active"`
	CreatedAt string          `json:"createdAt"`
}

func toProductResponse(p catalog.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		SellerID:  p.SellerID,
		Title:     p.Title,
		Price:     p.Price,
		Currency:  p.Currency,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createEscrowRequest struct {
	OrderID  string          `json:"orderId"`
	BuyerID  string          `json:"buyerId"`
	SellerID string          `json:"sellerId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// escrowResponse renders money at two decimal places so totals read as
// charged, e.g. "102.80" rather than "102.8".
type escrowResponse struct {
	ID                      string  `json:"id"`
	OrderID                 string  `json:"orderId"`
	BuyerID                 string  `json:"buyerId"`
	SellerID                string  `json:"sellerId"`
	Amount                  string  `json:"amount"`
	Fee                     string  `json:"fee"`
	TotalCharged            string  `json:"totalCharged"`
	Currency                string  `json:"currency"`
	Status                  string  `json:"status"`
	BuyerConfirmedDelivery  bool    `json:"buyerConfirmedDelivery"`
	SellerConfirmedDelivery bool    `json:"sellerConfirmedDelivery"`
	BuyerConfirmedAt        *string `json:"buyerConfirmedAt,omitempty"`
	SellerConfirmedAt       *string `json:"sellerConfirmedAt,omitempty"`
	DisputeReason           string  `json:"disputeReason,omitempty"`
	DisputeDescription      string  `json:"disputeDescription,omitempty"`
	DisputeRaisedBy         string  `json:"disputeRaisedBy,omitempty"`
	DisputedAt              *string `json:"disputedAt,omitempty"`
	ReleasedAt              *string `json:"releasedAt,omitempty"`
	PaymentReference        string  `json:"paymentReference,omitempty"`
	CreatedAt               string  `json:"createdAt"`
	UpdatedAt               string  `json:"updatedAt"`
}

func toEscrowResponse(st escrow.Settlement) escrowResponse {
	return escrowResponse{
		ID:                      st.ID,
		OrderID:                 st.OrderID,
		BuyerID:                 st.BuyerID,
		SellerID:                st.SellerID,
		Amount:                  st.Amount.StringFixed(2),
		Fee:                     st.Fee.StringFixed(2),
		TotalCharged:            st.TotalCharged.StringFixed(2),
		Currency:                st.Currency,
		Status:                  string(st.Status),
		BuyerConfirmedDelivery:  st.BuyerConfirmedDelivery,
		SellerConfirmedDelivery: st.SellerConfirmedDelivery,
		BuyerConfirmedAt:        formatTime(st.BuyerConfirmedAt),
		SellerConfirmedAt:       formatTime(st.SellerConfirmedAt),
		DisputeReason:           st.DisputeReason,
		DisputeDescription:      st.DisputeDescription,
		DisputeRaisedBy:         st.DisputeRaisedBy,
		DisputedAt:              formatTime(st.DisputedAt),
		ReleasedAt:              formatTime(st.ReleasedAt),
		PaymentReference:        st.PaymentReference,
		CreatedAt:               st.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:               st.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

type disputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type escrowOutcomeResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	WaitingOn string `json:"waitingOn,omitempty"`
}

type proposeBarterRequest struct {
	TargetProductID string       `json:"targetProductId"`
	Offer           barter.Offer `json:"offer"`
	ExpiryDays      *int         `json:"expiryDays,omitempty"`
}

type respondRequest struct {
	Action            string        `json:"action"`
	CounterOffer      *barter.Offer `json:"counterOffer,omitempty"`
	CounterExpiryDays *int          `json:"counterExpiryDays,omitempty"`
}

type barterOutcomeResponse struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	WaitingOn string           `json:"waitingOn,omitempty"`
	Counter   *barter.Proposal `json:"counter,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "register", err)
		return
	}
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "login", err)
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      toUserResponse(res.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.accounts.GetUserByID(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, "me", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get_product", err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

func (s *Server) handleSellerProducts(w http.ResponseWriter, r *http.Request) {
	limit := defaultProductLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	products, err := s.catalog.ListBySeller(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, "list_seller_products", err)
		return
	}
	items := make([]productResponse, 0, len(products))
	for _, p := range products {
		items = append(items, toProductResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "create_escrow", err)
		return
	}
	caller := identityFrom(r.Context()).UserID
	if req.BuyerID == "" {
		req.BuyerID = caller
	}
	st, err := s.settlements.CreateEscrow(r.Context(), caller, orchestrator.CreateEscrowRequest{
		OrderID:  req.OrderID,
		BuyerID:  req.BuyerID,
		SellerID: req.SellerID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		s.fail(w, r, "create_escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(st))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	st, err := s.settlements.GetEscrow(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, "get_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(st))
}

func (s *Server) handleConfirmEscrow(w http.ResponseWriter, r *http.Request) {
	out, err := s.settlements.ConfirmEscrowDelivery(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, "confirm_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowOutcome(out))
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "dispute_escrow", err)
		return
	}
	out, err := s.settlements.DisputeEscrow(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID, req.Reason, req.Description)
	if err != nil {
		s.fail(w, r, "dispute_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowOutcome(out))
}

func toEscrowOutcome(out orchestrator.EscrowOutcome) escrowOutcomeResponse {
	return escrowOutcomeResponse{ID: out.ID, Status: string(out.Status), WaitingOn: string(out.WaitingOn)}
}

func (s *Server) handleProposeBarter(w http.ResponseWriter, r *http.Request) {
	var req proposeBarterRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "propose_barter", err)
		return
	}
	// Only an absent field takes the default; an explicit 0 is rejected downstream.
	expiryDays := defaultExpiryDays
	if req.ExpiryDays != nil {
		expiryDays = *req.ExpiryDays
	}
	p, err := s.settlements.ProposeBarter(r.Context(), identityFrom(r.Context()).UserID, orchestrator.ProposeBarterRequest{
		TargetProductID: req.TargetProductID,
		Offer:           req.Offer,
		ExpiryDays:      expiryDays,
	})
	if err != nil {
		s.fail(w, r, "propose_barter", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleBarter(w http.ResponseWriter, r *http.Request) {
	p, err := s.settlements.GetBarter(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, "get_barter", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRespondToBarter(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "respond_barter", err)
		return
	}
	// An absent counterExpiryDays inherits the original proposal's window.
	var counterExpiry int
	if req.CounterExpiryDays != nil {
		if err := barter.ValidateExpiryDays(*req.CounterExpiryDays); err != nil {
			s.fail(w, r, "respond_barter", err)
			return
		}
		counterExpiry = *req.CounterExpiryDays
	}
	out, err := s.settlements.RespondToBarter(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID, orchestrator.RespondRequest{
		Action:            barter.Action(req.Action),
		CounterOffer:      req.CounterOffer,
		CounterExpiryDays: counterExpiry,
	})
	if err != nil {
		s.fail(w, r, "respond_barter", err)
		return
	}
	status := http.StatusOK
	if out.Counter != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, toBarterOutcome(out))
}

func (s *Server) handleConfirmBarter(w http.ResponseWriter, r *http.Request) {
	out, err := s.settlements.ConfirmBarterDelivery(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()).UserID)
	if err != nil {
		s.fail(w, r, "confirm_barter", err)
		return
	}
	writeJSON(w, http.StatusOK, toBarterOutcome(out))
}

func toBarterOutcome(out orchestrator.BarterOutcome) barterOutcomeResponse {
	return barterOutcomeResponse{
		ID:        out.ID,
		Status:    string(out.Status),
		WaitingOn: string(out.WaitingOn),
		Counter:   out.Counter,
	}
}
