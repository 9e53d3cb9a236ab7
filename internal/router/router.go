package router

import (
	"net/http"
	"strings"

	"github.com/panelworks/backend/internal/auth"
	"github.com/panelworks/backend/internal/credits"
	"github.com/panelworks/backend/internal/dashboard"
)

// New returns an http.Handler that serves the token-authenticated API under
// /api/v1.
func New(authHandler *auth.Handler, creditsHandler *credits.Handler, dashHandler *dashboard.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	mux.HandleFunc(base+"/auth/register", authHandler.Register)
	mux.HandleFunc(base+"/auth/login", authHandler.Login)

	mux.HandleFunc(base+"/account/me", methodGET(dashHandler.GetMe))

	mux.HandleFunc(base+"/credits/balance", methodGET(creditsHandler.GetBalance))
	mux.HandleFunc(base+"/credits/summary", methodGET(creditsHandler.GetSummary))
	mux.HandleFunc(base+"/credits/transactions", methodGET(creditsHandler.ListTransactions))

	mux.HandleFunc(base+"/admin/credits/adjust", methodPOST(creditsHandler.AdminAdjust))
	mux.HandleFunc(base+"/admin/credits/grants", methodPOST(creditsHandler.CreateGrant))

	mux.HandleFunc(base+"/api-keys", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			dashHandler.ListAPIKeys(w, r)
		case http.MethodPost:
			dashHandler.CreateAPIKey(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(base+"/api-keys/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && strings.Count(r.URL.Path, "/") >= 4 {
			dashHandler.DeactivateAPIKey(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
