package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	keysdomain "rights-control-engine/internal/keys/domain"
	keysservice "rights-control-engine/internal/keys/service"
	policydomain "rights-control-engine/internal/policy/domain"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/token"
	usagedomain "rights-control-engine/internal/usage/domain"
	"rights-control-engine/internal/validate"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "policy evaluator unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "rights-control-engine"})
}

type watermarkPayload struct {
	Enabled  bool   `json:"enabled"`
	Template string `json:"template"`
}

type licensePayload struct {
	Type      string     `json:"type"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type policyPayload struct {
	ID                     string           `json:"id"`
	ItemID                 string           `json:"item_id"`
	Tier                   string           `json:"tier"`
	KeyVersionID           string           `json:"key_version_id"`
	GeoAllow               []string         `json:"geo_allow,omitempty"`
	GeoDeny                []string         `json:"geo_deny,omitempty"`
	DeviceLimit            int              `json:"device_limit"`
	SessionLimit           int              `json:"session_limit"`
	AllowDeviceReplacement bool             `json:"allow_device_replacement"`
	AllowedActions         []string         `json:"allowed_actions"`
	Restrictions           []string         `json:"restrictions,omitempty"`
	Watermark              watermarkPayload `json:"watermark"`
	License                licensePayload   `json:"license"`
	SessionDurationSeconds int64            `json:"session_duration_seconds"`
	NoticePeriodSeconds    int64            `json:"notice_period_seconds"`
	Status                 string           `json:"status"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	RevokedAt              *time.Time       `json:"revoked_at,omitempty"`
}

func policyToPayload(p *policydomain.Policy) policyPayload {
	actions := make([]string, 0, len(p.AllowedActions))
	for _, a := range p.AllowedActions {
		actions = append(actions, string(a))
	}
	return policyPayload{
		ID:                     p.ID,
		ItemID:                 p.ItemID,
		Tier:                   string(p.Tier),
		KeyVersionID:           p.KeyVersionID,
		GeoAllow:               p.GeoAllow,
		GeoDeny:                p.GeoDeny,
		DeviceLimit:            p.DeviceLimit,
		SessionLimit:           p.SessionLimit,
		AllowDeviceReplacement: p.AllowDeviceReplacement,
		AllowedActions:         actions,
		Restrictions:           p.Restrictions,
		Watermark:              watermarkPayload{Enabled: p.Watermark.Enabled, Template: p.Watermark.Template},
		License:                licensePayload{Type: p.License.Type, ExpiresAt: p.License.ExpiresAt},
		SessionDurationSeconds: int64(p.SessionDuration / time.Second),
		NoticePeriodSeconds:    int64(p.NoticePeriod / time.Second),
		Status:                 string(p.Status),
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
		RevokedAt:              p.RevokedAt,
	}
}

type createPolicyRequest struct {
	ItemID                 string            `json:"item_id"`
	Tier                   string            `json:"tier"`
	Algorithm              string            `json:"algorithm"`
	GeoAllow               []string          `json:"geo_allow"`
	GeoDeny                []string          `json:"geo_deny"`
	DeviceLimit            int               `json:"device_limit"`
	SessionLimit           int               `json:"session_limit"`
	AllowDeviceReplacement bool              `json:"allow_device_replacement"`
	AllowedActions         []string          `json:"allowed_actions"`
	Restrictions           []string          `json:"restrictions"`
	Watermark              *watermarkPayload `json:"watermark"`
	License                *licensePayload   `json:"license"`
	CustomRules            string            `json:"custom_rules"`
	SessionDurationSeconds int64             `json:"session_duration_seconds"`
	NoticePeriodSeconds    int64             `json:"notice_period_seconds"`
}

func toActions(in []string) []policydomain.Action {
	out := make([]policydomain.Action, 0, len(in))
	for _, a := range in {
		out = append(out, policydomain.Action(a))
	}
	return out
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if !decode(w, r, &req) {
		return
	}
	cfg := policyservice.CreateConfig{
		ItemID:                 req.ItemID,
		Tier:                   keysdomain.Tier(req.Tier),
		Algorithm:              keysdomain.Algorithm(req.Algorithm),
		GeoAllow:               req.GeoAllow,
		GeoDeny:                req.GeoDeny,
		DeviceLimit:            req.DeviceLimit,
		SessionLimit:           req.SessionLimit,
		AllowDeviceReplacement: req.AllowDeviceReplacement,
		AllowedActions:         toActions(req.AllowedActions),
		Restrictions:           req.Restrictions,
		CustomRules:            req.CustomRules,
		SessionDuration:        time.Duration(req.SessionDurationSeconds) * time.Second,
		NoticePeriod:           time.Duration(req.NoticePeriodSeconds) * time.Second,
	}
	if req.Watermark != nil {
		cfg.Watermark = policydomain.Watermark{Enabled: req.Watermark.Enabled, Template: req.Watermark.Template}
	}
	if req.License != nil {
		cfg.License = policydomain.License{Type: req.License.Type, ExpiresAt: req.License.ExpiresAt}
	}
	pol, err := s.policies.Create(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policyToPayload(pol))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := s.policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyToPayload(pol))
}

type updatePolicyRequest struct {
	GeoAllow               *[]string         `json:"geo_allow"`
	GeoDeny                *[]string         `json:"geo_deny"`
	DeviceLimit            *int              `json:"device_limit"`
	SessionLimit           *int              `json:"session_limit"`
	AllowDeviceReplacement *bool             `json:"allow_device_replacement"`
	AllowedActions         *[]string         `json:"allowed_actions"`
	Restrictions           *[]string         `json:"restrictions"`
	Watermark              *watermarkPayload `json:"watermark"`
	License                *licensePayload   `json:"license"`
	CustomRules            *string           `json:"custom_rules"`
	SessionDurationSeconds *int64            `json:"session_duration_seconds"`
	NoticePeriodSeconds    *int64            `json:"notice_period_seconds"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	if !decode(w, r, &req) {
		return
	}
	patch := policydomain.Patch{
		GeoAllow:               req.GeoAllow,
		GeoDeny:                req.GeoDeny,
		DeviceLimit:            req.DeviceLimit,
		SessionLimit:           req.SessionLimit,
		AllowDeviceReplacement: req.AllowDeviceReplacement,
		Restrictions:           req.Restrictions,
		CustomRules:            req.CustomRules,
	}
	if req.AllowedActions != nil {
		actions := toActions(*req.AllowedActions)
		patch.AllowedActions = &actions
	}
	if req.Watermark != nil {
		wm := policydomain.Watermark{Enabled: req.Watermark.Enabled, Template: req.Watermark.Template}
		patch.Watermark = &wm
	}
	if req.License != nil {
		lic := policydomain.License{Type: req.License.Type, ExpiresAt: req.License.ExpiresAt}
		patch.License = &lic
	}
	if req.SessionDurationSeconds != nil {
		d := time.Duration(*req.SessionDurationSeconds) * time.Second
		patch.SessionDuration = &d
	}
	if req.NoticePeriodSeconds != nil {
		d := time.Duration(*req.NoticePeriodSeconds) * time.Second
		patch.NoticePeriod = &d
	}
	pol, err := s.policies.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyToPayload(pol))
}

func (s *Server) handleSuspendPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Suspend(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResumePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type revokePolicyRequest struct {
	Reason        string `json:"reason"`
	NoticeSeconds *int64 `json:"notice_seconds"`
	Emergency     bool   `json:"emergency"`
}

func (s *Server) handleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	var req revokePolicyRequest
	if !decode(w, r, &req) {
		return
	}
	opts := policyservice.RevokeOptions{Reason: req.Reason, Emergency: req.Emergency}
	if req.NoticeSeconds != nil {
		d := time.Duration(*req.NoticeSeconds) * time.Second
		opts.Notice = &d
	}
	res, err := s.policies.Revoke(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "revoked",
		"tokens_invalidated":    res.TokensInvalidated,
		"sessions_terminated":   res.SessionsTerminated,
		"notice_period_seconds": int64(res.NoticePeriod / time.Second),
	})
}

type issueTokenRequest struct {
	PolicyID    string   `json:"policy_id"`
	PrincipalID string   `json:"principal_id"`
	Scope       []string `json:"scope"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	DeviceID    string   `json:"device_id"`
	IPAllowlist []string `json:"ip_allowlist"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !decode(w, r, &req) {
		return
	}
	issued, err := s.issuer.Issue(r.Context(), token.IssueRequest{
		PolicyID:    req.PolicyID,
		PrincipalID: req.PrincipalID,
		Scope:       toActions(req.Scope),
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		DeviceID:    req.DeviceID,
		IPAllowlist: req.IPAllowlist,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	perms := make([]string, 0, len(issued.Permissions))
	for _, p := range issued.Permissions {
		perms = append(perms, string(p))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":        issued.Token,
		"jti":          issued.JTI,
		"expires_at":   issued.ExpiresAt,
		"permissions":  perms,
		"restrictions": issued.Restrictions,
	})
}

type validateRequest struct {
	Token             string            `json:"token"`
	Action            string            `json:"action"`
	Location          string            `json:"location"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	SessionMetadata   map[string]string `json:"session_metadata"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := s.validator.Validate(r.Context(), validate.Request{
		Token:             req.Token,
		Action:            req.Action,
		Location:          req.Location,
		DeviceFingerprint: req.DeviceFingerprint,
		ClientIP:          clientIP(r),
		SessionMetadata:   req.SessionMetadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{
		"granted":          decision.Granted,
		"checks_performed": decision.ChecksPerformed,
	}
	if decision.Granted {
		resp["session_id"] = decision.SessionID
		resp["restrictions"] = decision.Restrictions
	} else {
		resp["reason"] = decision.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

type terminateSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	var req terminateSessionRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested"
	}
	if err := s.sessions.Terminate(r.Context(), chi.URLParam(r, "id"), reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ok, err := s.sessions.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type rotateKeysRequest struct {
	Tier  string `json:"tier"`
	Force bool   `json:"force"`
}

type rotationPayload struct {
	Tier               string `json:"tier"`
	KeyVersionID       string `json:"key_version_id"`
	Version            int    `json:"version"`
	SessionsTerminated int    `json:"sessions_terminated"`
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	var req rotateKeysRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}

	if req.Tier != "" {
		res, err := s.keys.Rotate(r.Context(), keysdomain.Tier(req.Tier), req.Force)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rotations": []rotationPayload{rotationToPayload(res)}})
		return
	}

	results, err := s.keys.RotateAll(r.Context(), req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rotations := make([]rotationPayload, 0, len(results))
	for _, res := range results {
		rotations = append(rotations, rotationToPayload(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotations": rotations})
}

func rotationToPayload(res *keysservice.RotationResult) rotationPayload {
	return rotationPayload{
		Tier:               string(res.NewVersion.Tier),
		KeyVersionID:       res.NewVersion.ID,
		Version:            res.NewVersion.Version,
		SessionsTerminated: res.SessionsTerminated,
	}
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	var types []usagedomain.ViolationType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, usagedomain.ViolationType(strings.TrimSpace(t)))
		}
	}
	analysis, err := s.monitor.Analyze(r.Context(), window, types)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	v, err := s.monitor.ResolveViolation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	period := 30 * 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid period")
			return
		}
		period = d
	}
	var frameworks []string
	if raw := r.URL.Query().Get("frameworks"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			frameworks = append(frameworks, strings.TrimSpace(f))
		}
	}
	report, err := s.monitor.Audit(r.Context(), frameworks, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
