package api

import (
	"encoding/json"
	"net/http"
)

type rootResponse struct {
	Protocol string `json:"protocol"`
	ALPN     string `json:"alpn"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Host     string `json:"host"`
}

// NewRootHandler is the default application served behind the negotiating
// acceptor. It reports how the request arrived.
func NewRootHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		resp := rootResponse{
			Protocol: r.Proto,
			Method:   r.Method,
			Path:     r.URL.Path,
			Host:     r.Host,
		}
		if r.TLS != nil {
			resp.ALPN = r.TLS.NegotiatedProtocol
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
