package recon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api"
	"CommitrakCRM/api/constants"
	"CommitrakCRM/api/recon/pipeline"
	"CommitrakCRM/api/utils"
)

const (
	contentTypeHeader = "Content-Type"
	applicationJSON   = "application/json"
	maxUploadBytes    = 32 << 20
)

func respondWithError(w http.ResponseWriter, status int, errMsg string) {
	log.Printf("[RECON-ERROR] %s", errMsg)
	w.Header().Set(contentTypeHeader, applicationJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errMsg,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload map[string]interface{}) {
	payload["success"] = true
	w.Header().Set(contentTypeHeader, applicationJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// statusForError maps pipeline errors onto HTTP statuses so handlers stay
// uniform about conflict vs not-found vs caller mistakes.
func statusForError(err error) int {
	var incomplete *pipeline.MappingIncompleteError
	var finalize *pipeline.FinalizeError
	var transition *pipeline.TransitionError
	switch {
	case errors.Is(err, pipeline.ErrBatchNotFound),
		errors.Is(err, pipeline.ErrTransactionNotFound),
		errors.Is(err, pipeline.ErrMappingNotFound),
		errors.Is(err, pipeline.ErrRulesetNotFound):
		return http.StatusNotFound
	case errors.As(err, &incomplete):
		return http.StatusUnprocessableEntity
	case errors.As(err, &finalize), errors.As(err, &transition),
		errors.Is(err, pipeline.ErrStaleTransition),
		errors.Is(err, pipeline.ErrBatchImmutable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// messageForError translates pipeline errors into the user-facing catalog.
// Errors without a catalog entry pass through verbatim.
func messageForError(err error) string {
	var incomplete *pipeline.MappingIncompleteError
	var finalize *pipeline.FinalizeError
	var transition *pipeline.TransitionError
	switch {
	case errors.Is(err, pipeline.ErrBatchNotFound):
		return constants.ErrBatchNotFound
	case errors.Is(err, pipeline.ErrBatchImmutable):
		return constants.ErrBatchImmutable
	case errors.Is(err, pipeline.ErrStaleTransition):
		return constants.ErrBatchStaleTransition
	case errors.Is(err, pipeline.ErrMappingNotFound):
		return constants.ErrMappingNotFound
	case errors.Is(err, pipeline.ErrRulesetNotFound):
		return constants.ErrRulesetNotFound
	case errors.As(err, &incomplete):
		return constants.FormatError(constants.ErrMappingIncomplete, strings.Join(incomplete.Missing, ", "))
	case errors.As(err, &finalize):
		if finalize.ErrorRows > 0 {
			return constants.FormatError(constants.ErrBatchHasErrors, finalize.ErrorRows)
		}
		return err.Error()
	case errors.As(err, &transition):
		if transition.To == pipeline.BatchFinalized {
			return constants.ErrBatchNotReviewed
		}
		return err.Error()
	default:
		return err.Error()
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[RECON] %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func formUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.FormValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("missing or invalid %s", name)
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("missing or invalid %s", name)
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("missing or invalid %s", name)
	}
	return id, nil
}

func batchPayload(b *pipeline.ImportBatch) map[string]interface{} {
	return map[string]interface{}{
		"batch_id":         b.ID,
		"status":           b.Status,
		"period_month":     b.PeriodMonth,
		"file_name":        b.FileName,
		"counts":           b.Counts,
		"total_commission": b.TotalCommission.StringFixed(2),
		"created_at":       b.CreatedAt,
		"reviewed_at":      b.ReviewedAt,
		"finalized_at":     b.FinalizedAt,
		"archived_at":      b.ArchivedAt,
	}
}

// UploadBatchHandler ingests one carrier statement: multipart file plus
// workspace_id, carrier_id, user_id and period_month fields. A file carrying
// a carrier column is a combined export and is split into one batch per
// carrier before mapping applies. Each batch is processed synchronously so
// the response already carries review counts.
func UploadBatchHandler(p *pipeline.Pipeline, archiver *Archiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
			return
		}
		workspaceID, err := formUUID(r, "workspace_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !api.WorkspaceAllowed(r.Context(), workspaceID.String()) {
			respondWithError(w, http.StatusForbidden, "workspace access denied")
			return
		}
		userID, err := formUUID(r, "user_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		periodMonth := r.FormValue("period_month")
		if err := pipeline.ValidatePeriodMonth(periodMonth); err != nil {
			respondWithError(w, http.StatusBadRequest, constants.FormatError(constants.ErrInvalidPeriodMonth, periodMonth))
			return
		}

		file, fh, err := r.FormFile("file")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, constants.ErrFileRequired)
			return
		}
		defer file.Close()
		sf, err := parseStatementFile(file, fh.Filename)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		sourceURL := ""
		if archiver != nil {
			// Best effort: a failed archive never blocks ingestion.
			if url, err := archiver.Upload(r.Context(), workspaceID, fh.Filename, sf.Raw); err != nil {
				log.Printf("[RECON-UPLOAD] archive %s failed: %v", fh.Filename, err)
			} else {
				sourceURL = url
			}
		}

		subs, err := buildSubmissions(r, workspaceID, userID, periodMonth, fh.Filename, sourceURL, sf)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		var batches []map[string]interface{}
		for _, sub := range subs {
			batch, err := p.SubmitBatch(r.Context(), sub)
			if err != nil {
				respondWithError(w, statusForError(err), messageForError(err))
				return
			}
			processed, err := p.Process(r.Context(), batch.ID)
			if err != nil {
				respondWithError(w, statusForError(err), messageForError(err))
				return
			}
			batches = append(batches, batchPayload(processed))
		}
		log.Printf("[RECON-UPLOAD] %s: %d batch(es) for workspace %s", fh.Filename, len(batches), workspaceID)
		respondJSON(w, http.StatusCreated, map[string]interface{}{"batches": batches})
	}
}

// buildSubmissions turns a parsed file into one submission per carrier.
func buildSubmissions(r *http.Request, workspaceID, userID uuid.UUID, periodMonth, fileName, sourceURL string, sf *statementFile) ([]pipeline.Submission, error) {
	carrierHeader, combined := pipeline.HasCarrierColumn(sf.Header)
	if !combined {
		carrierID, err := formUUID(r, "carrier_id")
		if err != nil {
			return nil, err
		}
		return []pipeline.Submission{{
			WorkspaceID: workspaceID,
			CarrierID:   carrierID,
			UploaderID:  userID,
			PeriodMonth: periodMonth,
			FileName:    fileName,
			FileHash:    sf.Hash,
			SourceURL:   sourceURL,
			Header:      sf.Header,
			Records:     sf.Records,
		}}, nil
	}

	var subs []pipeline.Submission
	for name, records := range pipeline.SplitByCarrier(carrierHeader, sf.Header, sf.Records) {
		if name == "" {
			return nil, fmt.Errorf("combined statement has rows with an empty carrier cell")
		}
		// Deterministic per-carrier identity and hash so re-uploads of the
		// combined file dedupe per sub-batch.
		sum := sha256.Sum256([]byte(sf.Hash + "|" + name))
		subs = append(subs, pipeline.Submission{
			WorkspaceID: workspaceID,
			CarrierID:   uuid.NewSHA1(workspaceID, []byte("carrier:"+name)),
			UploaderID:  userID,
			PeriodMonth: periodMonth,
			FileName:    fileName + " [" + name + "]",
			FileHash:    hex.EncodeToString(sum[:]),
			SourceURL:   sourceURL,
			Header:      sf.Header,
			Records:     records,
		})
	}
	return subs, nil
}

// BatchStatusHandler reports the stored batch with its counts.
func BatchStatusHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		batch, err := p.Batch(r.Context(), id)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"batch": batchPayload(batch)})
	}
}

// ListBatchesHandler lists a workspace's batches, newest last.
func ListBatchesHandler(st pipeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, err := queryUUID(r, "workspace_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		batches, err := st.ListBatches(r.Context(), workspaceID)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		out := make([]map[string]interface{}, 0, len(batches))
		for i := range batches {
			out = append(out, batchPayload(&batches[i]))
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"batches": out})
	}
}

// BatchRowsHandler lists rows of a batch with optional outcome filter and
// page/limit pagination.
func BatchRowsHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		outcome := r.URL.Query().Get("outcome")
		switch outcome {
		case "", pipeline.OutcomePending, pipeline.OutcomeDuplicate, pipeline.OutcomeMatched, pipeline.OutcomeError:
		default:
			respondWithError(w, http.StatusBadRequest, "invalid outcome filter: "+outcome)
			return
		}
		pagination, err := utils.ExtractPagination(r)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := p.Rows(r.Context(), id, outcome)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		pagination.SetPaginationStats(len(rows))
		start := pagination.Offset
		if start > len(rows) {
			start = len(rows)
		}
		end := start + pagination.Limit
		if end > len(rows) {
			end = len(rows)
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"rows":       rows[start:end],
			"pagination": pagination,
		})
	}
}

// FinalizeBatchHandler moves a reviewed batch to finalized. Error rows block
// finalize unless the operator sets ack_errors.
func FinalizeBatchHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req struct {
			UserID    string `json:"user_id"`
			AckErrors bool   `json:"ack_errors"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid json")
			return
		}
		operatorID, err := uuid.Parse(req.UserID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid user_id")
			return
		}
		batch, err := p.Finalize(r.Context(), id, operatorID, req.AckErrors)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		by := api.RequestedByFromCtx(r.Context(), req.UserID)
		if by == "" {
			by = operatorID.String()
		}
		log.Printf("[RECON-FINALIZE] batch %s finalized by %s", batch.ID, by)
		respondJSON(w, http.StatusOK, map[string]interface{}{"batch": batchPayload(batch)})
	}
}

// ArchiveBatchHandler retires a finalized batch from the duplicate scope.
func ArchiveBatchHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid json")
			return
		}
		operatorID, err := uuid.Parse(req.UserID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid user_id")
			return
		}
		batch, err := p.Archive(r.Context(), id, operatorID)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"batch": batchPayload(batch)})
	}
}

// DiscardBatchHandler deletes an unfinalized batch and its claims.
func DiscardBatchHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		operatorID, err := queryUUID(r, "user_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := p.Discard(r.Context(), id, operatorID); err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"discarded": id})
	}
}

// ReverseTransactionHandler books a reversal and optional replacement.
func ReverseTransactionHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req struct {
			UserID            string `json:"user_id"`
			ReplacementAmount string `json:"replacement_amount,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid json")
			return
		}
		operatorID, err := uuid.Parse(req.UserID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "missing or invalid user_id")
			return
		}
		var replacement *decimal.Decimal
		if req.ReplacementAmount != "" {
			d, err := decimal.NewFromString(req.ReplacementAmount)
			if err != nil {
				respondWithError(w, http.StatusBadRequest, "invalid replacement_amount")
				return
			}
			replacement = &d
		}
		txns, err := p.ReverseTransaction(r.Context(), id, operatorID, replacement)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
	}
}

// PayoutSummaryHandler aggregates finalized transactions per producer for a
// statement period.
func PayoutSummaryHandler(st pipeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, err := queryUUID(r, "workspace_id")
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		period := r.URL.Query().Get("period")
		if err := pipeline.ValidatePeriodMonth(period); err != nil {
			respondWithError(w, http.StatusBadRequest, constants.FormatError(constants.ErrInvalidPeriodMonth, period))
			return
		}
		totals, err := st.PayoutSummary(r.Context(), workspaceID, period)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"period":  period,
			"payouts": totals,
		})
	}
}
