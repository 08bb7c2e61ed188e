package recon

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"CommitrakCRM/api/constants"
	"CommitrakCRM/api/recon/pipeline"
)

type mappingRequest struct {
	WorkspaceID       string                `json:"workspace_id"`
	CarrierID         string                `json:"carrier_id"`
	Version           int                   `json:"version,omitempty"`
	Columns           []pipeline.ColumnRule `json:"columns"`
	DateFormat        string                `json:"date_format,omitempty"`
	DayFirst          bool                  `json:"day_first"`
	DecimalComma      bool                  `json:"decimal_comma"`
	ThousandsSep      string                `json:"thousands_sep,omitempty"`
	FingerprintFields []string              `json:"fingerprint_fields,omitempty"`
}

// InferMappingHandler proposes a mapping from a sample header row. Nothing
// is persisted; the admin reviews and confirms separately.
func InferMappingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkspaceID string   `json:"workspace_id"`
			CarrierID   string   `json:"carrier_id"`
			Header      []string `json:"header"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid json")
			return
		}
		workspaceID, err := uuid.Parse(req.WorkspaceID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid workspace_id")
			return
		}
		carrierID, err := uuid.Parse(req.CarrierID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid carrier_id")
			return
		}
		if len(req.Header) == 0 {
			respondWithError(w, http.StatusBadRequest, "header sample required")
			return
		}
		m := pipeline.InferMapping(workspaceID, carrierID, req.Header, time.Now().UTC())
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"mapping":          m,
			"missing_required": m.MissingRequired(),
		})
	}
}

// ConfirmMappingHandler stores a confirmed mapping as the carrier's next
// version. Passing the current version number re-confirms it in place, which
// is rejected once any batch references it; otherwise a fresh version is
// written so rows normalized under an earlier version are never
// reinterpreted.
func ConfirmMappingHandler(st pipeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mappingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid json")
			return
		}
		workspaceID, err := uuid.Parse(req.WorkspaceID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid workspace_id")
			return
		}
		carrierID, err := uuid.Parse(req.CarrierID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid carrier_id")
			return
		}

		m := &pipeline.ColumnMapping{
			ID:                uuid.New(),
			WorkspaceID:       workspaceID,
			CarrierID:         carrierID,
			Version:           1,
			Confirmed:         true,
			Columns:           req.Columns,
			DateFormat:        req.DateFormat,
			DayFirst:          req.DayFirst,
			DecimalComma:      req.DecimalComma,
			ThousandsSep:      req.ThousandsSep,
			FingerprintFields: req.FingerprintFields,
			CreatedAt:         time.Now().UTC(),
		}
		if missing := m.MissingRequired(); len(missing) > 0 {
			details := make([]string, len(missing))
			for i, f := range missing {
				details[i] = constants.FormatMissingFieldError(f)
			}
			respondWithError(w, http.StatusUnprocessableEntity,
				constants.FormatError(constants.ErrMappingIncomplete, strings.Join(details, "; ")))
			return
		}
		current, err := st.GetMapping(r.Context(), workspaceID, carrierID)
		if err != nil && !errors.Is(err, pipeline.ErrMappingNotFound) {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		if current != nil {
			if req.Version != 0 && req.Version == current.Version {
				// Explicit re-confirmation of the current version. Allowed only
				// while no batch references it; referenced versions are frozen
				// so normalized rows are never reinterpreted.
				used, err := st.MappingInUse(r.Context(), current.ID)
				if err != nil {
					respondWithError(w, http.StatusInternalServerError, err.Error())
					return
				}
				if used {
					respondWithError(w, http.StatusConflict, constants.ErrMappingFrozen)
					return
				}
				m.Version = current.Version
			} else {
				m.Version = current.Version + 1
			}
		}
		if err := st.SaveMapping(r.Context(), m); err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		log.Printf("[RECON-MAPPING] carrier %s confirmed mapping v%d", carrierID, m.Version)
		respondJSON(w, http.StatusCreated, map[string]interface{}{"mapping": m})
	}
}

// GetMappingHandler returns the carrier's current confirmed mapping.
func GetMappingHandler(st pipeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, err := queryUUID(r, "workspace_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		carrierID, err := queryUUID(r, "carrier_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		m, err := st.GetMapping(r.Context(), workspaceID, carrierID)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"mapping": m})
	}
}
