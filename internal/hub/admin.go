package hub

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
)

// AdminPrefix is the path prefix of the moderation HTTP routes.
const AdminPrefix = "/admin"

// AdminRouter returns the moderation routes. Every route requires
// "Authorization: Bearer <AdminToken>"; with no token configured every
// request is refused.
func (h *Hub) AdminRouter() *mux.Router {
	r := mux.NewRouter()
	s := r.PathPrefix(AdminPrefix).Subrouter()
	s.Use(h.requireAdmin)

	s.HandleFunc("/flags", h.adminPendingFlags).Methods(http.MethodGet)
	s.HandleFunc("/flags/{id}", h.adminGetFlag).Methods(http.MethodGet)
	s.HandleFunc("/flags/{id}/resolve", h.adminResolveFlag).Methods(http.MethodPost)
	s.HandleFunc("/users/{identity}", h.adminUser).Methods(http.MethodGet)
	s.HandleFunc("/users/{identity}/ban", h.adminBan).Methods(http.MethodPost)
	s.HandleFunc("/users/{identity}/ban", h.adminUnban).Methods(http.MethodDelete)
	s.HandleFunc("/users/{identity}/warnings", h.adminWarn).Methods(http.MethodPost)
	s.HandleFunc("/users/{identity}/score", h.adminResetScore).Methods(http.MethodDelete)
	s.HandleFunc("/users/{identity}/ratelimit", h.adminResetRate).Methods(http.MethodDelete)
	return r
}

func (h *Hub) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// moderatorName is the actor recorded for admin actions.
func moderatorName(r *http.Request) string {
	if m := r.Header.Get("X-Moderator"); m != "" {
		return m
	}
	return "admin"
}

func (h *Hub) adminPendingFlags(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	flags, err := h.deps.Ledger.PendingFlags(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flags == nil {
		flags = []moderation.Flag{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (h *Hub) adminGetFlag(w http.ResponseWriter, r *http.Request) {
	f, ok, err := h.deps.Ledger.GetFlag(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "flag not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// adminResolveFlag records a resolution. "delete" also deletes the message
// and "warn" also warns its author.
func (h *Hub) adminResolveFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !moderation.ValidAction(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	ctx := r.Context()
	id := mux.Vars(r)["id"]
	f, ok, err := h.deps.Ledger.GetFlag(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "flag not found")
		return
	}
	mod := moderatorName(r)
	if ok, err := h.deps.Ledger.ResolveReport(ctx, id, req.Action, req.Notes, mod); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "flag not found")
		return
	}

	if f.ContentType == moderation.ContentTypeMessage && req.Action != moderation.ActionApprove {
		room, msgID, err := chat.ParseContentID(f.ContentID)
		if err != nil {
			log.Printf("[admin] resolve flag=%s: %v", id, err)
		} else if err := h.applyResolution(r, room, msgID, req.Action, mod); err != nil {
			log.Printf("[admin] resolve flag=%s action=%s: %v", id, req.Action, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "flag_id": id, "action": req.Action})
}

func (h *Hub) applyResolution(r *http.Request, room string, msgID int64, action, mod string) error {
	ctx := r.Context()
	switch action {
	case moderation.ActionDelete:
		return h.deleteMessage(ctx, room, msgID, mod, true)
	case moderation.ActionWarn:
		msg, err := h.deps.History.Get(ctx, room, msgID)
		if err != nil {
			return err
		}
		_, err = h.deps.Ledger.WarnUser(ctx, msg.Author, "reported content: "+chat.ContentID(room, msgID))
		return err
	}
	return nil
}

func (h *Hub) adminUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := mux.Vars(r)["identity"]
	ban, banned, err := h.deps.Ledger.IsBanned(ctx, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	score, err := h.deps.Ledger.SpamScore(ctx, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	warnings, err := h.deps.Ledger.Warnings(ctx, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if warnings == nil {
		warnings = []moderation.Warning{}
	}
	out := map[string]any{
		"identity":   identity,
		"spam_score": score,
		"banned":     banned,
		"warnings":   warnings,
	}
	if banned {
		out["ban"] = ban
	}
	writeJSON(w, http.StatusOK, out)
}

// adminBan bans an identity. duration_secs 0 bans permanently.
func (h *Hub) adminBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason       string `json:"reason"`
		DurationSecs int64  `json:"duration_secs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DurationSecs < 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identity := mux.Vars(r)["identity"]
	b, err := h.deps.Ledger.BanUser(r.Context(), identity, req.Reason, time.Duration(req.DurationSecs)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.BansTotal.WithLabelValues("manual").Inc()
	log.Printf("[admin] ban identity=%s by=%s", identity, moderatorName(r))
	if err := h.deps.Queue.PublishDecision(moderation.Decision{
		Author:  identity,
		Reason:  b.Reason,
		Banned:  true,
		BanSecs: req.DurationSecs,
	}); err != nil {
		log.Printf("[admin] publish ban identity=%s: %v", identity, err)
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Hub) adminUnban(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if err := h.deps.Ledger.Unban(r.Context(), identity); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[admin] unban identity=%s by=%s", identity, moderatorName(r))
	writeJSON(w, http.StatusOK, map[string]any{"unbanned": true, "identity": identity})
}

func (h *Hub) adminWarn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	warning, err := h.deps.Ledger.WarnUser(r.Context(), mux.Vars(r)["identity"], req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, warning)
}

func (h *Hub) adminResetScore(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if err := h.deps.Ledger.ResetSpamScore(r.Context(), identity); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[admin] reset score identity=%s by=%s", identity, moderatorName(r))
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "identity": identity})
}

func (h *Hub) adminResetRate(w http.ResponseWriter, r *http.Request) {
	if h.deps.MessageLimiter == nil {
		writeError(w, http.StatusNotFound, "rate limiting disabled")
		return
	}
	identity := mux.Vars(r)["identity"]
	if err := h.deps.MessageLimiter.Reset(r.Context(), identity); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "identity": identity})
}
