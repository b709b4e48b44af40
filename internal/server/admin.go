package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wavecast/wavecast/internal/tenant"
)

// adminAuth guards the admin API with the deployment-wide admin key.
// Comparison is constant time so the key cannot be probed byte by
// byte.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := adminBearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminAPIKey)) != 1 {
			s.metrics.RecordAuthFailure("admin", "bad_key")
			writeError(w, http.StatusUnauthorized, "invalid admin credentials")
			return
		}
		s.metrics.RecordAuthAttempt("admin", true)
		next.ServeHTTP(w, r)
	})
}

func adminBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (s *Server) handleTenantCreate(w http.ResponseWriter, r *http.Request) {
	var t tenant.Tenant
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	t.SetLimitDefaults()
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.Create(r.Context(), &t); err != nil {
		if errors.Is(err, tenant.ErrTenantExists) {
			writeError(w, http.StatusConflict, "tenant already exists")
			return
		}
		s.logger.WithError(err).WithField("tenant", t.ExternalID).Error("Tenant create failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, &t)
}

func (s *Server) handleTenantList(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Tenant list failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

func (s *Server) handleTenantGet(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["external_id"]
	t, err := s.store.GetByExternalID(r.Context(), externalID)
	if err != nil {
		s.writeStoreError(w, externalID, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTenantUpdate merges the request body over the stored record.
// Fields absent from the body keep their current values; the external
// ID in the path always wins over one in the body.
func (s *Server) handleTenantUpdate(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["external_id"]
	t, err := s.store.GetByExternalID(r.Context(), externalID)
	if err != nil {
		s.writeStoreError(w, externalID, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(t); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	t.ExternalID = externalID
	t.SetLimitDefaults()
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.Update(r.Context(), t); err != nil {
		s.writeStoreError(w, externalID, err)
		return
	}

	s.invalidateTenant(r.Context(), externalID)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTenantDelete(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["external_id"]
	if err := s.store.Delete(r.Context(), externalID); err != nil {
		s.writeStoreError(w, externalID, err)
		return
	}

	s.invalidateTenant(r.Context(), externalID)
	w.WriteHeader(http.StatusNoContent)
}

// handleTenantReload drops the cached record on every node so the next
// lookup sees the current control-plane row. Live sessions of a
// suspended or deleted tenant are closed as a side effect.
func (s *Server) handleTenantReload(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["external_id"]
	t, err := s.store.GetByExternalID(r.Context(), externalID)
	if err != nil {
		s.writeStoreError(w, externalID, err)
		return
	}

	s.invalidateTenant(r.Context(), externalID)
	writeJSON(w, http.StatusOK, t)
}

// invalidateTenant applies a control-plane change locally and tells
// the rest of the cluster to do the same.
func (s *Server) invalidateTenant(ctx context.Context, externalID string) {
	s.supervisor.HandleInvalidate(ctx, externalID)
	s.cluster.BroadcastInvalidate(externalID)
}

func (s *Server) writeStoreError(w http.ResponseWriter, externalID string, err error) {
	if errors.Is(err, tenant.ErrTenantNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	s.logger.WithError(err).WithField("tenant", externalID).Error("Tenant store operation failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
