package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
)

// QZCert serves the print signing certificate as text.
func (h *Handler) QZCert(w http.ResponseWriter, r *http.Request) {
	h.cors(w, "GET, OPTIONS", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}

	text, err := h.cert.PEM()
	if err != nil {
		h.log.ErrorContext(r.Context(), "qz cert unavailable", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "cert-not-found", Details: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

type signRequest struct {
	Request string `json:"request"`
}

// QZSign signs a print request with the service's private key.
func (h *Handler) QZSign(w http.ResponseWriter, r *http.Request) {
	h.cors(w, "POST, OPTIONS", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
		return
	}

	var req signRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil || req.Request == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad-request", Details: "invalid `request`"})
		return
	}

	sig, err := h.signer.Sign(r.Context(), req.Request)
	if err != nil {
		status := httpStatus(err)
		if status == http.StatusBadRequest {
			writeJSON(w, status, errorBody{Error: "bad-request", Details: err.Error()})
			return
		}
		h.log.ErrorContext(r.Context(), "qz sign failed", "kind", errorKind(err), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "sign-error", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": sig})
}
