package staffportal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"storefront-backend/internal/authkeys"
	stripeproc "storefront-backend/internal/payment/processor/stripe"
	"storefront-backend/internal/payment/refund"
	paymentuc "storefront-backend/internal/payment/usecase"
)

// StaffAccount is a merchant staff/supervisor login. FinalizeRefund's own
// authorization check (is the caller the merchant's supervisor or one of
// its staff) happens in
// paymentuc.PaymentUseCases; this account only gates access to the portal
// itself.
type StaffAccount struct {
	ID           uint32
	Email        string
	PasswordHash string
	MerchantID   uint32
}

type StaffRepo interface {
	FetchByEmail(ctx context.Context, email string) (*StaffAccount, error)
}

type Server struct {
	payments *paymentuc.PaymentUseCases
	staff    StaffRepo
	hub      *Hub
	keys     *authkeys.Store
}

func NewServer(payments *paymentuc.PaymentUseCases, staff StaffRepo, hub *Hub, keys *authkeys.Store) *Server {
	return &Server{payments: payments, staff: staff, hub: hub, keys: keys}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/staff/login", s.login)
	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/merchants/{id}/onboarding", s.merchantOnboarding)
		r.Post("/api/orders/{orderID}/charges", s.createCharge)
		r.Get("/api/orders/{orderID}/charges", s.refreshChargeStatus)
		r.Post("/api/orders/{orderID}/refunds/finalize", s.finalizeRefund)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	account, err := s.staff.FetchByEmail(r.Context(), req.Email)
	if err != nil || account == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	token := s.makeToken(account.ID, account.MerchantID)
	json200(w, map[string]any{"token": token})
}

func (s *Server) makeToken(staffID, merchantID uint32) string {
	claims := jwt.MapClaims{
		"sub":         strconv.FormatUint(uint64(staffID), 10),
		"merchant_id": strconv.FormatUint(uint64(merchantID), 10),
		"exp":         time.Now().Add(12 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.keys.Lookup(""))
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const ctxStaffID ctxKey = "staffID"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			kid, _ := t.Header["kid"].(string)
			return s.keys.Lookup(kid), nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		sub, _ := claims["sub"].(string)
		staffID, err := strconv.ParseUint(sub, 10, 32)
		if err != nil {
			jsonErr(w, 401, "invalid claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxStaffID, uint32(staffID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Payment use cases ────────────────────────────────

func (s *Server) merchantOnboarding(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	merchantID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		jsonErr(w, 400, "invalid merchant id")
		return
	}
	var req struct {
		Email      string `json:"email"`
		RefreshURL string `json:"refresh_url"`
		ReturnURL  string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	link, complete, err := s.payments.MerchantOnboarding(r.Context(), uint32(merchantID), req.Email, req.RefreshURL, req.ReturnURL)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	s.hub.Publish(MerchantTopic(idStr), "merchant_onboarding", map[string]any{"complete": complete})
	json200(w, map[string]any{"link": link, "onboarding_complete": complete})
}

func (s *Server) createCharge(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	staffID, _ := r.Context().Value(ctxStaffID).(uint32)
	var req struct {
		Owner              uint32 `json:"owner"`
		ConnectedAccountID string `json:"connected_account_id"`
		Currency           string `json:"currency"`
		UIMode             string `json:"ui_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	owner := req.Owner
	if owner == 0 {
		owner = staffID
	}
	mode := stripeproc.UIModeRedirectPage
	if req.UIMode == string(stripeproc.UIModeEmbeddedJs) {
		mode = stripeproc.UIModeEmbeddedJs
	}
	ch, appErr := s.payments.CreateCharge(r.Context(), paymentuc.CreateChargeRequest{
		Owner:              owner,
		OrderID:            orderID,
		ConnectedAccountID: req.ConnectedAccountID,
		Currency:           req.Currency,
		UIMode:             mode,
	})
	if appErr != nil {
		jsonErr(w, 500, appErr.Error())
		return
	}
	s.hub.Publish(OrderTopic(orderID), "charge_created", ch.Meta.Progress.Name)
	json200(w, ch)
}

func (s *Server) refreshChargeStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ownerStr := r.URL.Query().Get("owner")
	owner, _ := strconv.ParseUint(ownerStr, 10, 32)
	ch, failed, appErr := s.payments.RefreshChargeStatus(r.Context(), uint32(owner), orderID)
	if appErr != nil {
		jsonErr(w, 500, appErr.Error())
		return
	}
	s.hub.Publish(OrderTopic(orderID), "charge_status", ch.Meta.Progress.Name)
	json200(w, map[string]any{"charge": ch, "failed_lines": failed})
}

func (s *Server) finalizeRefund(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	staffID, _ := r.Context().Value(ctxStaffID).(uint32)
	var req struct {
		MerchantID uint32                  `json:"merchant_id"`
		StoreID    uint32                  `json:"store_id"`
		Completion []refund.CompletionLine `json:"completion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	res, appErr := s.payments.FinalizeRefund(r.Context(), paymentuc.FinalizeRefundRequest{
		CallerID:   staffID,
		MerchantID: req.MerchantID,
		OrderID:    orderID,
		StoreID:    req.StoreID,
		Completion: req.Completion,
	})
	if appErr != nil {
		jsonErr(w, 500, appErr.Error())
		return
	}
	s.hub.Publish(OrderTopic(orderID), "refund_finalized", res.Refund)
	json200(w, res)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
