package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/scheduler"
	"github.com/aether-run/aether/internal/statestore"
)

// InboundHandler serves POST /hook/{token}: looks up the token, applies
// an optional transform, and spawns an agent from the stored config.
type InboundHandler struct {
	store  *statestore.Store
	spawn  scheduler.Spawner
	logger *logger.Logger
}

// NewInboundHandler constructs an InboundHandler.
func NewInboundHandler(store *statestore.Store, spawn scheduler.Spawner, log *logger.Logger) *InboundHandler {
	return &InboundHandler{
		store:  store,
		spawn:  spawn,
		logger: log.WithFields(zap.String("component", "inboundWebhook")),
	}
}

// ServeHTTP implements http.Handler for a mux registered at "/hook/".
func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/hook/")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	hook, err := h.store.GetInboundWebhook(r.Context(), token)
	if err != nil {
		http.Error(w, "unknown webhook token", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var payload map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if hook.Transform != nil && *hook.Transform != "" {
		payload = applyTransform(*hook.Transform, payload)
	}

	cfg, err := scheduler.ParseAgentConfig(hook.AgentConfig)
	if err != nil {
		h.logger.Error("inbound webhook has invalid agent_config", zap.String("token", token), zap.Error(err))
		http.Error(w, "misconfigured webhook", http.StatusInternalServerError)
		return
	}
	if payload != nil {
		if cfg.Env == nil {
			cfg.Env = map[string]string{}
		}
		if raw, err := json.Marshal(payload); err == nil {
			cfg.Env["INBOUND_PAYLOAD"] = string(raw)
		}
	}

	if _, err := h.spawn(r.Context(), cfg); err != nil {
		h.logger.Warn("inbound webhook spawn failed", zap.String("token", token), zap.Error(err))
		http.Error(w, "spawn failed", http.StatusServiceUnavailable)
		return
	}

	if err := h.store.RecordInboundTrigger(r.Context(), token, time.Now().UTC()); err != nil {
		h.logger.Error("failed to record inbound trigger", zap.String("token", token), zap.Error(err))
	}

	w.WriteHeader(http.StatusAccepted)
}

// applyTransform applies a small JSON-projection expression: a flat map
// of destination key -> dotted source path. Absent or malformed paths
// are dropped rather than erroring, since inbound payloads are
// untrusted third-party shapes.
func applyTransform(expr string, payload map[string]interface{}) map[string]interface{} {
	var projection map[string]string
	if err := json.Unmarshal([]byte(expr), &projection); err != nil {
		return payload
	}
	out := make(map[string]interface{}, len(projection))
	for dest, srcPath := range projection {
		if v, ok := lookupDottedPath(payload, srcPath); ok {
			out[dest] = v
		}
	}
	return out
}

func lookupDottedPath(data map[string]interface{}, path string) (interface{}, bool) {
	current := interface{}(data)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
