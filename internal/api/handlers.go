package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nexusvpn/nexus/internal/chain"
	"github.com/nexusvpn/nexus/internal/config"
)

type statusResponse struct {
	Chain    chain.Status `json:"chain"`
	Uptime   string       `json:"uptime"`
	Checked  time.Time    `json:"checked_at"`
	EgressIP string       `json:"egress_ip,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Chain:   s.orch.Status(),
		Uptime:  s.clk.Since(s.startTime).Round(time.Second).String(),
		Checked: s.clk.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEgressIP(w http.ResponseWriter, r *http.Request) {
	ip, err := s.orch.EgressIP(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"egress_ip": ip})
}

type chainRequest struct {
	Hops      int      `json:"hops"`
	Providers []string `json:"providers,omitempty"`
}

func (s *Server) handleChainSetup(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	start := s.clk.Now()
	err := s.orch.Setup(r.Context(), req.Hops, req.Providers)
	if s.metrics != nil {
		s.metrics.SetupTotal.WithLabelValues(resultLabel(err)).Inc()
		if err == nil {
			s.metrics.SetupDuration.Observe(s.clk.Since(start).Seconds())
		}
		s.recordChainGauges()
	}
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.orch.Status())
}

func (s *Server) handleChainTeardown(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cleanup(r.Context())
	if s.metrics != nil {
		s.metrics.TeardownTotal.WithLabelValues(resultLabel(err)).Inc()
		s.recordChainGauges()
	}
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	if s.stats != nil {
		s.stats.Reset()
	}
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (s *Server) recordChainGauges() {
	s.metrics.ChainState.Set(float64(s.orch.State()))
	s.metrics.ChainHops.Set(float64(len(s.orch.Status().Hops)))
}

// --- provider registry ---

type providerResponse struct {
	Name           string `json:"name"`
	ConfigPath     string `json:"config_path"`
	HasCredentials bool   `json:"has_credentials"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.cfgFile.Config.Providers
	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerResponse{
			Name:           p.Name,
			ConfigPath:     p.ConfigPath,
			HasCredentials: p.CredentialsPath != "",
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type addProviderRequest struct {
	Name            string `json:"name"`
	ConfigPath      string `json:"config_path"`
	CredentialsPath string `json:"credentials_path,omitempty"`
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var req addProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Name == "" || req.ConfigPath == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name and config_path are required"))
		return
	}

	p := config.Provider{
		Name:            req.Name,
		ConfigPath:      req.ConfigPath,
		CredentialsPath: req.CredentialsPath,
	}
	if err := s.cfgFile.AddProvider(p); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.cfgFile.Save(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("provider added", "name", req.Name)
	s.writeJSON(w, http.StatusCreated, providerResponse{
		Name:           p.Name,
		ConfigPath:     p.ConfigPath,
		HasCredentials: p.CredentialsPath != "",
	})
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cfgFile.RemoveProvider(name); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.cfgFile.Save(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("provider removed", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

// pfsProvider resolves the {name} path value against the registry.
func (s *Server) pfsProvider(w http.ResponseWriter, r *http.Request) (config.Provider, bool) {
	name := r.PathValue("name")
	p, ok := s.cfgFile.Config.FindProvider(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown provider %q", name))
		return config.Provider{}, false
	}
	return p, true
}

func (s *Server) handlePFSStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pfsProvider(w, r)
	if !ok {
		return
	}
	st, err := s.pfs.Status(p)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePFSEnable(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pfsProvider(w, r)
	if !ok {
		return
	}
	st, err := s.pfs.Enable(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("forward secrecy enabled", "provider", p.Name)
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePFSDisable(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pfsProvider(w, r)
	if !ok {
		return
	}
	st, err := s.pfs.Disable(p)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("forward secrecy disabled", "provider", p.Name)
	s.writeJSON(w, http.StatusOK, st)
}

// --- observability ---

type trafficResponse struct {
	Totals map[string]uint64    `json:"totals"`
	Rates  map[string]float64   `json:"rates"`
	Window map[string][]float64 `json:"window"`
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, trafficResponse{
		Totals: s.stats.Totals(),
		Rates:  s.stats.Current(),
		Window: s.stats.Rates(),
	})
}

func (s *Server) handleLeakStatus(w http.ResponseWriter, r *http.Request) {
	last := s.leaks.Last()
	if last == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no leak check has run yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleLeakCheck(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.orch.ExitNamespace()
	if !ok {
		s.writeError(w, http.StatusConflict, errors.New("no active chain to check"))
		return
	}
	expected, err := s.orch.EgressIP(r.Context())
	if err != nil {
		expected = ""
	}
	res, err := s.leaks.CheckLeak(r.Context(), ns, expected)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.Statuses())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"chain":  s.orch.State().String(),
	})
}
