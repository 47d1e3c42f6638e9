package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// proxyStatusResponse is one row of GET /api/petal-proxies-control.
type proxyStatusResponse struct {
	Name    string                 `json:"name"`
	Status  string                 `json:"status"`
	Enabled bool                   `json:"enabled"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// handleProxiesControl serves GET /api/petal-proxies-control: the status
// of every registered proxy. Kept for pamctl's existing "proxy list".
func (s *Server) handleProxiesControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []proxyStatusResponse
	for _, rp := range s.proxies.List() {
		h := rp.Proxy.Health()
		out = append(out, proxyStatusResponse{
			Name: rp.Proxy.Name(), Status: string(h.Status), Enabled: rp.Enabled, Details: h.Details,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleProxyControl serves /api/petal-proxies-control/{name}/{action}
// for action in {enable, disable, restart}. Kept for pamctl's single-name
// commands alongside the batch routes below.
func (s *Server) handleProxyControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/petal-proxies-control/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "expected /api/petal-proxies-control/{name}/{action}", http.StatusBadRequest)
		return
	}
	name, action := parts[0], parts[1]

	if _, err := s.setProxyEnabled(r.Context(), name, action); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// petalStatusResponse is one row of GET /api/petals.
type petalStatusResponse struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// handlePetalsStatus serves GET /api/petals: every loaded or failed
// petal.
func (s *Server) handlePetalsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []petalStatusResponse
	for _, name := range s.petals.Loaded() {
		out = append(out, petalStatusResponse{Name: name, Loaded: true})
	}
	for name, reason := range s.petals.Failures() {
		out = append(out, petalStatusResponse{Name: name, Loaded: false, Error: reason})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleStatus serves GET /api/petal-proxies-control/status: the same
// proxy/petal health snapshot /health/snapshot serves.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.publisher.Sample())
}

// componentInfo is one row of GET /api/petal-proxies-control/components/list.
type componentInfo struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"` // "petal" or "proxy"
	Enabled    bool     `json:"enabled"`
	Status     string   `json:"status,omitempty"`
	Depends    []string `json:"depends,omitempty"`
	RequiredBy []string `json:"required_by,omitempty"`
}

// handleComponentsList serves GET /api/petal-proxies-control/components/list:
// every proxy and petal with both its forward dependencies and its reverse
// dependents, so a client can tell upfront what a disable would break.
func (s *Server) handleComponentsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []componentInfo
	for _, rp := range s.proxies.List() {
		h := rp.Proxy.Health()
		requiredBy := append([]string(nil), s.proxies.Dependents(rp.Proxy.Name())...)
		requiredBy = append(requiredBy, s.petals.PetalsRequiring(rp.Proxy.Name())...)
		out = append(out, componentInfo{
			Name: rp.Proxy.Name(), Type: "proxy", Enabled: rp.Enabled, Status: string(h.Status),
			Depends: rp.Requires, RequiredBy: requiredBy,
		})
	}
	for _, name := range s.petals.Loaded() {
		p, ok := s.petals.Get(name)
		if !ok {
			continue
		}
		meta := p.Metadata()
		out = append(out, componentInfo{
			Name: name, Type: "petal", Enabled: s.petals.Enabled(name),
			Depends: append(append([]string(nil), meta.RequiredProxies...), meta.Dependencies...),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// controlAction is the batch body shared by /proxies/control and
// /petals/control: a name list and an ON/OFF action.
type controlAction string

const (
	actionOn  controlAction = "ON"
	actionOff controlAction = "OFF"
)

type proxiesControlRequest struct {
	Proxies []string      `json:"proxies"`
	Action  controlAction `json:"action"`
}

type petalsControlRequest struct {
	Petals []string      `json:"petals"`
	Action controlAction `json:"action"`
}

// batchControlResponse is the partial-success envelope both batch
// endpoints return: always HTTP 200, success is false if any name failed,
// and state is left unchanged for any name that failed.
type batchControlResponse struct {
	Success bool              `json:"success"`
	Results map[string]string `json:"results"`
	Errors  []string          `json:"errors"`
}

// handleProxiesBatchControl serves POST /api/petal-proxies-control/proxies/control:
// {"proxies": [...], "action": "ON"|"OFF"}.
func (s *Server) handleProxiesBatchControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req proxiesControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	action, err := proxyAction(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := batchControlResponse{Success: true, Results: map[string]string{}}
	for _, name := range req.Proxies {
		if _, err := s.setProxyEnabled(r.Context(), name, action); err != nil {
			resp.Success = false
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", name, err.Error()))
			continue
		}
		resp.Results[name] = strings.ToLower(action) + "d"
	}
	s.persistEnabledSets()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handlePetalsBatchControl serves POST /api/petal-proxies-control/petals/control:
// {"petals": [...], "action": "ON"|"OFF"}.
func (s *Server) handlePetalsBatchControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req petalsControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if _, err := proxyAction(req.Action); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	enable := req.Action == actionOn

	resp := batchControlResponse{Success: true, Results: map[string]string{}}
	for _, name := range req.Petals {
		if err := s.petals.SetEnabled(r.Context(), name, enable); err != nil {
			resp.Success = false
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", name, err.Error()))
			continue
		}
		if enable {
			resp.Results[name] = "enabled"
		} else {
			resp.Results[name] = "disabled"
		}
	}
	s.persistEnabledSets()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func proxyAction(a controlAction) (string, error) {
	switch a {
	case actionOn:
		return "enable", nil
	case actionOff:
		return "disable", nil
	default:
		return "", fmt.Errorf("action must be ON or OFF, got %q", a)
	}
}

// setProxyEnabled performs one proxy enable/disable/restart, enforcing
// invariant (a): disabling is rejected while any enabled proxy or enabled
// petal declares name as required. State is left unchanged on rejection.
func (s *Server) setProxyEnabled(ctx context.Context, name, action string) (string, error) {
	rp, ok := s.proxies.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown proxy %q", name)
	}

	switch action {
	case "disable":
		var reasons []string
		if deps := s.proxies.Dependents(name); len(deps) > 0 {
			reasons = append(reasons, fmt.Sprintf("required by proxies %s", pyList(deps)))
		}
		if deps := s.petals.PetalsRequiring(name); len(deps) > 0 {
			reasons = append(reasons, fmt.Sprintf("required by petals %s", pyList(deps)))
		}
		if len(reasons) > 0 {
			return "", fmt.Errorf("%s", strings.Join(reasons, "; "))
		}
		s.proxies.SetEnabled(name, false)
		_ = rp.Proxy.Stop(ctx)
	case "enable":
		s.proxies.SetEnabled(name, true)
		_ = rp.Proxy.Start(ctx)
	case "restart":
		_ = rp.Proxy.Stop(ctx)
		_ = rp.Proxy.Start(ctx)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
	return action, nil
}

// persistEnabledSets writes the current enabled-proxy/enabled-petal sets
// back to the config file, if one was loaded. Persistence failures are
// logged, not surfaced to the caller — the in-memory state change already
// succeeded and must not be rolled back over a write error.
func (s *Server) persistEnabledSets() {
	if s.appCfg == nil {
		return
	}
	var enabledProxies []string
	for _, rp := range s.proxies.List() {
		if rp.Enabled {
			enabledProxies = append(enabledProxies, rp.Proxy.Name())
		}
	}
	var enabledPetals []string
	for _, name := range s.petals.Loaded() {
		if s.petals.Enabled(name) {
			enabledPetals = append(enabledPetals, name)
		}
	}
	s.appCfg.EnabledProxies = enabledProxies
	s.appCfg.EnabledPetals = enabledPetals
	if err := s.appCfg.Save(); err != nil {
		s.log.Error("api", "failed to persist config: %v", err)
	}
}

// pyList renders names the way the API's documented error strings do:
// a Python-style list literal, e.g. ['petal-flight-log'].
func pyList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// restartStatusResponse is the body of GET /api/petal-proxies-control/restart-status.
type restartStatusResponse struct {
	RestartRequired bool `json:"restart_required"`
	RestartPending  bool `json:"restart_pending"`
}

// handleRestartStatus serves GET /api/petal-proxies-control/restart-status:
// whether the on-disk config has diverged from the running process (per
// the config.Watcher) or a restart has already been requested.
func (s *Server) handleRestartStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(restartStatusResponse{
		RestartRequired: s.configDiverged.Load(),
		RestartPending:  s.restartPending.Load(),
	})
}

// handleRestart serves POST /api/petal-proxies-control/restart: PAM never
// restarts itself in-process (the proxy/petal graph has too much live
// state to tear down safely); instead it acknowledges, then exits after a
// short delay so an external supervisor (systemd, a container runtime)
// restarts the process against the now-current config file.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.restartPending.CompareAndSwap(false, true) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	go func() {
		time.Sleep(500 * time.Millisecond)
		s.log.Warning("api", "restart requested via control API, exiting for supervisor restart")
		os.Exit(0)
	}()
}
