package main

import (
	"net/http"

	"github.com/panelworks/backend/internal/credits"
	"github.com/panelworks/backend/internal/middleware"
	"github.com/panelworks/backend/internal/repository"
)

// RegisterV1Routes adds the /v1/ machine API endpoints to the given mux.
// These are the endpoints backend services call with an API key; the
// authenticated key's account is the one charged or credited.
func RegisterV1Routes(
	mux *http.ServeMux,
	apiKeyRepo *repository.APIKeyRepo,
	creditsHandler *credits.Handler,
) {
	auth := middleware.APIKeyAuth(apiKeyRepo)

	mux.Handle("POST /v1/credits/deduct", auth(http.HandlerFunc(creditsHandler.Deduct)))
	mux.Handle("POST /v1/credits/add", auth(http.HandlerFunc(creditsHandler.Add)))
	mux.Handle("POST /v1/credits/refund", auth(http.HandlerFunc(creditsHandler.Refund)))
	mux.Handle("GET /v1/credits/balance", auth(http.HandlerFunc(creditsHandler.MachineBalance)))
}
