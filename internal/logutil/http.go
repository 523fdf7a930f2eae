package logutil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type levelPayload struct {
	Level string `json:"level"`
}

// LevelHandler reports the global log level on GET and changes it on PUT
// with a body like {"level":"debug"}.
func LevelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut:
			var req levelPayload
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeLevelError(w, fmt.Errorf("decode request: %w", err))
				return
			}
			if err := SetLevel(req.Level); err != nil {
				writeLevelError(w, err)
				return
			}
			log.L().Info("log level changed", zap.Stringer("level", log.GetLevel()))
		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(levelPayload{Level: log.GetLevel().String()})
	})
}

func writeLevelError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
