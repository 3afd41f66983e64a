package middleware

import (
	"encoding/json"
	"net/http"

	"flight-booking-api/internal/models"
)

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: models.ErrorBody{Message: message, Type: errType},
	})
}
