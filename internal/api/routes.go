package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/{provider}", h.DepositWebhookHandler).Methods("POST")
	apiV1.HandleFunc("/webhooks/{provider}/payouts", h.PayoutWebhookHandler).Methods("POST")
	apiV1.HandleFunc("/wallets", h.CreateWalletHandler).Methods("POST")
	apiV1.HandleFunc("/wallets/{id}", h.GetWalletHandler).Methods("GET")
	apiV1.HandleFunc("/wallets/{id}/entries", h.GetWalletEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/cashouts/{id}", h.GetCashoutHandler).Methods("GET")
	apiV1.HandleFunc("/cashouts/{id}/claim", h.ClaimCashoutHandler).Methods("POST")
	apiV1.HandleFunc("/cashouts/{id}/execute", h.ExecuteCashoutHandler).Methods("POST")
	apiV1.HandleFunc("/escrows/{id}", h.GetEscrowHandler).Methods("GET")
	apiV1.HandleFunc("/escrows/{id}/transition", h.TransitionEscrowHandler).Methods("POST")
	return r
}
