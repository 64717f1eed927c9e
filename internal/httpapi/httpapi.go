// Package httpapi exposes the service over JSON HTTP. Authentication lives
// in an upstream proxy; the acting user arrives in trusted headers and is
// put on the request context for the service's role checks.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"hzshop/backend/internal/cart"
	"hzshop/backend/internal/domain"
	"hzshop/backend/internal/ledger"
	"hzshop/backend/internal/local"
	"hzshop/backend/internal/service"
	"hzshop/backend/internal/syncengine"
)

type API struct {
	service       *service.Service
	allowedOrigin string
}

func New(svc *service.Service, allowedOrigin string) *API {
	return &API{service: svc, allowedOrigin: allowedOrigin}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/categories", a.handleCategories)
	mux.HandleFunc("/api/v1/categories/", a.handleCategoryActions)
	mux.HandleFunc("/api/v1/products", a.handleProducts)
	mux.HandleFunc("/api/v1/products/", a.handleProductActions)
	mux.HandleFunc("/api/v1/shopkeepers", a.handleShopkeepers)
	mux.HandleFunc("/api/v1/shopkeepers/", a.handleShopkeeperActions)
	mux.HandleFunc("/api/v1/receipts", a.handleReceipts)
	mux.HandleFunc("/api/v1/receipts/", a.handleReceiptActions)
	mux.HandleFunc("/api/v1/payments", a.handlePayments)
	mux.HandleFunc("/api/v1/returns", a.handleReturns)
	mux.HandleFunc("/api/v1/cart", a.handleCart)
	mux.HandleFunc("/api/v1/cart/items", a.handleCartItems)
	mux.HandleFunc("/api/v1/cart/checkout", a.handleCartCheckout)
	mux.HandleFunc("/api/v1/sync", a.handleSync)
	mux.HandleFunc("/api/v1/sync/status", a.handleSyncStatus)

	return a.withCORS(a.withActor(mux))
}

// withActor lifts the upstream-supplied identity headers onto the context.
func (a *API) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.Header.Get("X-Actor"))
		role := strings.TrimSpace(r.Header.Get("X-Actor-Role"))
		if username != "" || role != "" {
			ctx := service.WithActor(r.Context(), domain.Actor{Username: username, Role: role})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor, X-Actor-Role, X-Session-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status, err := a.service.SyncStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sync": status})
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		categories, err := a.service.ListCategories(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
	case http.MethodPost:
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		category, err := a.service.CreateCategory(r.Context(), req.Name, req.Description)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"category": category})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCategoryActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/categories/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("category id required"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.DeleteCategory(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.Product
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

type productUpdateRequest struct {
	Name              *string `json:"name"`
	Description       *string `json:"description"`
	CategoryID        *string `json:"category_id"`
	CostPriceCents    *int64  `json:"cost_price_cents"`
	SellingPriceCents *int64  `json:"selling_price_cents"`
	CurrentStock      *int    `json:"current_stock"`
	MinStockLevel     *int    `json:"min_stock_level"`
	Active            *bool   `json:"is_active"`
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/products/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		var req productUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateProduct(r.Context(), id, func(p *domain.Product) error {
			if req.Name != nil {
				name := strings.TrimSpace(*req.Name)
				if name == "" {
					return errors.New("name must not be blank")
				}
				p.Name = name
			}
			if req.Description != nil {
				p.Description = *req.Description
			}
			if req.CategoryID != nil {
				p.CategoryID = *req.CategoryID
			}
			if req.CostPriceCents != nil {
				p.CostPriceCents = *req.CostPriceCents
			}
			if req.SellingPriceCents != nil {
				p.SellingPriceCents = *req.SellingPriceCents
			}
			if req.CurrentStock != nil {
				p.CurrentStock = *req.CurrentStock
			}
			if req.MinStockLevel != nil {
				p.MinStockLevel = *req.MinStockLevel
			}
			if req.Active != nil {
				p.Active = *req.Active
			}
			return nil
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	case http.MethodDelete:
		if err := a.service.DeleteProduct(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleShopkeepers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		shopkeepers, err := a.service.ListShopkeepers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shopkeepers": shopkeepers})
	case http.MethodPost:
		var req domain.Shopkeeper
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		shopkeeper, err := a.service.CreateShopkeeper(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"shopkeeper": shopkeeper})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleShopkeeperActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/shopkeepers/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("shopkeeper id required"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "", "summary":
		summary, err := a.service.ShopkeeperSummary(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
	case "receipts":
		receipts, err := a.service.ListReceipts(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
	case "payments":
		payments, err := a.service.ListPayments(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown shopkeeper action"))
	}
}

func (a *API) handleReceipts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		receipts, err := a.service.ListReceipts(r.Context(), r.URL.Query().Get("shopkeeper_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
	case http.MethodPost:
		var req domain.ReceiptCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		detail, err := a.service.CreateReceipt(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"receipt": detail.Receipt, "items": detail.Items})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReceiptActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/receipts/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("receipt id required"))
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := a.service.DeleteReceipt(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payments, err := a.service.ListPayments(r.Context(), r.URL.Query().Get("shopkeeper_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	case http.MethodPost:
		var req domain.PaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.service.RecordPayment(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"payment": result})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		returns, err := a.service.ListReturns(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
	case http.MethodPost:
		var req domain.ReturnCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ret, err := a.service.CreateReturn(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
	default:
		writeMethodNotAllowed(w)
	}
}

func sessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	session := sessionID(r)
	if session == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cart": a.service.GetCart(session)})
	case http.MethodDelete:
		cleared, err := a.service.ClearCart(r.Context(), session)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cart": cleared})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request) {
	session := sessionID(r)
	if session == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	var req struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		updated domain.Cart
		err     error
	)
	switch r.Method {
	case http.MethodPost:
		updated, err = a.service.AddToCart(r.Context(), session, req.ProductID, req.Quantity)
	case http.MethodPatch:
		updated, err = a.service.SetCartQuantity(r.Context(), session, req.ProductID, req.Quantity)
	case http.MethodDelete:
		updated, err = a.service.RemoveFromCart(r.Context(), session, req.ProductID)
	default:
		writeMethodNotAllowed(w)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": updated})
}

func (a *API) handleCartCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	session := sessionID(r)
	if session == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	var req domain.ReceiptCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	detail, err := a.service.CheckoutCart(r.Context(), session, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"receipt": detail.Receipt, "items": detail.Items})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.ManualSync(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status, err := a.service.SyncStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync": status})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status, err := a.service.SyncStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync": status})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, local.ErrNotFound), errors.Is(err, ledger.ErrNotFound), errors.Is(err, cart.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, local.ErrValidation), errors.Is(err, ledger.ErrValidation), errors.Is(err, cart.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientStock), errors.Is(err, cart.ErrInsufficientStock), errors.Is(err, ledger.ErrPaymentExceedsDue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, syncengine.ErrOffline):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathTail(path, prefix string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so internal details never leak;
	// 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
