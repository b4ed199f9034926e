package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"fleetsync/backend/services/sync-engine/internal/http/middleware"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// actor names the authenticated caller; unauthenticated deployments log
// "anonymous".
func actor(r *http.Request) zap.Field {
	subject, ok := middleware.SubjectFromContext(r.Context())
	if !ok || subject == "" {
		subject = "anonymous"
	}
	return zap.String("actor", subject)
}
