package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /webhook", h.Webhook)

	mux.HandleFunc("POST /v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /v1/sessions", h.SessionStats)
	mux.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.DeleteSession)

	mux.HandleFunc("POST /v1/messages/send", h.SendMessage)

	mux.HandleFunc("POST /v1/leads/batch-move", h.BatchMoveLeads)
	mux.HandleFunc("POST /v1/leads/batch-delete", h.BatchDeleteLeads)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsgate"))
	})

	return mux
}
