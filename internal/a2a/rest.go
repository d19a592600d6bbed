package a2a

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// RegisterREST mounts the REST mirror of the JSON-RPC surface:
//
//	POST /a2a/rest/message/send
//	GET  /a2a/rest/tasks/{id}
//	POST /a2a/rest/tasks/{id}/cancel
func RegisterREST(mux *http.ServeMux, svc Service) {
	mux.HandleFunc("POST /a2a/rest/message/send", func(w http.ResponseWriter, r *http.Request) {
		var params MessageSendParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			restError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		task, err := svc.SendMessage(r.Context(), &params)
		if err != nil {
			restFailure(w, err)
			return
		}
		restJSON(w, http.StatusOK, task)
	})

	mux.HandleFunc("GET /a2a/rest/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			restFailure(w, err)
			return
		}
		restJSON(w, http.StatusOK, task)
	})

	mux.HandleFunc("POST /a2a/rest/tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.CancelTask(r.Context(), r.PathValue("id"))
		if err != nil {
			restFailure(w, err)
			return
		}
		restJSON(w, http.StatusOK, task)
	})
}

func restFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		restError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ErrNotCancelable):
		restError(w, http.StatusConflict, "task cannot be canceled")
	case errors.Is(err, ErrEmptyContent):
		restError(w, http.StatusBadRequest, "message has no content")
	default:
		logger.Error("REST request failed: %v", err)
		restError(w, http.StatusInternalServerError, "internal error")
	}
}

func restError(w http.ResponseWriter, status int, message string) {
	restJSON(w, status, map[string]string{"error": message})
}

func restJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to write REST response: %v", err)
	}
}
