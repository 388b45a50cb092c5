// Package orderapi is the buyer-facing HTTP surface of the order service:
// place an order and submit a return request. Styled after
// internal/staffportal.Server (chi router, JWT bearer auth, uniform
// json200/jsonErr helpers) since both are thin HTTP adapters in front of a
// use-case layer, not a place for business logic.
package orderapi

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

	"storefront-backend/internal/authkeys"
	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/order/repo"
	"storefront-backend/internal/order/usecase"
)

type Server struct {
	uc   *usecase.OrderUseCases
	keys *authkeys.Store
}

func NewServer(uc *usecase.OrderUseCases, keys *authkeys.Store) *Server {
	return &Server{uc: uc, keys: keys}
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

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/api/orders", s.createOrder)
		r.Post("/api/orders/{orderID}/returns", s.returnLines)
	})

	return r
}

type ctxKey string

const ctxOwnerID ctxKey = "ownerID"

// authMiddleware trusts a bearer JWT minted by whatever upstream service
// authenticates buyers; it only extracts the owner id, it does not issue
// tokens itself (order service has no buyer credential store).
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
		ownerID, err := strconv.ParseUint(sub, 10, 32)
		if err != nil {
			jsonErr(w, 401, "invalid claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxOwnerID, uint32(ownerID))
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

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := r.Context().Value(ctxOwnerID).(uint32)
	var req struct {
		Currency money.OrderCurrencySnapshot `json:"currency"`
		Lines    []order.CreateLineRequest   `json:"lines"`
		Billing  repo.Contact                `json:"billing"`
		Shipping repo.Contact                `json:"shipping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	result, cerr := s.uc.CreateOrder(r.Context(), usecase.CreateOrderRequest{
		OwnerID:  ownerID,
		Currency: req.Currency,
		Lines:    req.Lines,
		Billing:  req.Billing,
		Shipping: req.Shipping,
	})
	if cerr != nil {
		status := 500
		switch {
		case len(cerr.DuplicateLines) > 0:
			status = 409
		case len(cerr.StockShortage) > 0:
			status = 409
		}
		jsonErr(w, status, cerr.Error())
		return
	}
	json200(w, result)
}

func (s *Server) returnLines(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ownerID, _ := r.Context().Value(ctxOwnerID).(uint32)
	var req struct {
		Requests []order.ReturnRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if rerr := s.uc.ReturnLinesReq(r.Context(), orderID, ownerID, req.Requests); rerr != nil {
		status := 500
		if rerr.NotOwner {
			status = 403
		} else if len(rerr.Lines) > 0 {
			status = 409
		}
		jsonErr(w, status, rerr.Error())
		return
	}
	json200(w, map[string]string{"status": "accepted"})
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
