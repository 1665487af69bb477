package federated

import (
	"log/slog"
	"net/http"
)

// Handler serves the loopback pages of the redirect flows.
type Handler struct {
	bridge *Bridge
	logger *slog.Logger

	// UnifiedStartURL is where /auth/start sends the browser. Empty disables it.
	UnifiedStartURL string
	// UnifiedCallbackURL is the absolute URL of /auth/callback.
	UnifiedCallbackURL string

	// OnFlow, when set, receives every completed callback flow.
	OnFlow func(*Flow)
}

// NewHandler creates the loopback handler for bridge.
func NewHandler(bridge *Bridge, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bridge: bridge, logger: logger}
}

// RegisterRoutes registers the redirect routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /login/{provider}", h.handleLogin)
	mux.HandleFunc("GET /callback/{provider}", h.handleCallback)
	mux.HandleFunc("GET /auth/start", h.handleUnifiedStart)
	mux.HandleFunc("GET /auth/callback", h.handleUnifiedCallback)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.bridge.Initiate(r.PathValue("provider"))
	if err != nil {
		h.logger.Warn("Failed to start federated sign-in", "provider", r.PathValue("provider"), "error", err)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	flow := h.bridge.Callback(r.Context(), r.PathValue("provider"), r.URL.Query())
	h.render(w, r, flow)
}

func (h *Handler) handleUnifiedStart(w http.ResponseWriter, r *http.Request) {
	if h.UnifiedStartURL == "" || h.UnifiedCallbackURL == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	target, err := h.bridge.InitiateUnified(h.UnifiedStartURL, h.UnifiedCallbackURL)
	if err != nil {
		h.logger.Error("Failed to start unified sign-in", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleUnifiedCallback(w http.ResponseWriter, r *http.Request) {
	flow := h.bridge.UnifiedCallback(r.Context(), r.URL.Query())
	h.render(w, r, flow)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, flow *Flow) {
	if h.OnFlow != nil {
		h.OnFlow(flow)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	status := http.StatusOK
	if flow.State() == FlowError {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	if err := callbackPage(flow).Render(r.Context(), w); err != nil {
		h.logger.Error("Failed to render callback page", "error", err)
	}
}
