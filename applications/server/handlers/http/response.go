package http

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Println("can't write response ", err)
	}
}

func writeErr(w http.ResponseWriter, status int, code, msg string, details []string) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}
