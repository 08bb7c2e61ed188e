package recon

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CommitrakCRM/api/constants"
	"CommitrakCRM/api/recon/pipeline"
)

type ruleRequest struct {
	Basis      string `json:"basis"`
	Rate       string `json:"rate,omitempty"`
	FlatAmount string `json:"flat_amount,omitempty"`
	LOB        string `json:"lob,omitempty"`
	TxnType    string `json:"transaction_type"`
	Priority   int    `json:"priority"`
}

func parseRule(rulesetID uuid.UUID, req ruleRequest) (pipeline.CommissionRule, error) {
	rule := pipeline.CommissionRule{
		ID:        uuid.New(),
		RulesetID: rulesetID,
		Basis:     req.Basis,
		LOB:       req.LOB,
		TxnType:   req.TxnType,
		Priority:  req.Priority,
	}
	switch req.Basis {
	case pipeline.BasisPercentOfGross, pipeline.BasisPercentOfPremium:
		rate, err := decimal.NewFromString(req.Rate)
		if err != nil {
			return rule, errors.New(constants.FormatFieldError("rate", "a decimal value is required for basis "+req.Basis))
		}
		rule.Rate = rate
	case pipeline.BasisFlatAmount:
		amt, err := decimal.NewFromString(req.FlatAmount)
		if err != nil {
			return rule, errors.New(constants.FormatFieldError("flat_amount", "a decimal value is required for basis "+req.Basis))
		}
		rule.FlatAmount = amt
	default:
		return rule, errors.New(constants.FormatError(constants.ErrRuleInvalidBasis, req.Basis))
	}
	switch req.TxnType {
	case pipeline.TxnNew, pipeline.TxnRenewal, pipeline.TxnEndorsement, pipeline.TxnCancellation, pipeline.TxnAny:
	default:
		return rule, errors.New(constants.FormatError(constants.ErrRuleInvalidTxn, req.TxnType))
	}
	return rule, nil
}

// CreateRulesetHandler stores a new ruleset version for a carrier. Rules in
// versions already referenced by transactions are immutable, so every change
// arrives as a fresh version; an open-ended predecessor is closed at the new
// version's effective date.
func CreateRulesetHandler(st pipeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkspaceID   string        `json:"workspace_id"`
			CarrierID     string        `json:"carrier_id"`
			EffectiveFrom string        `json:"effective_from"` // YYYY-MM-DD
			EffectiveTo   string        `json:"effective_to,omitempty"`
			Rules         []ruleRequest `json:"rules"`
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
		if len(req.Rules) == 0 {
			respondWithError(w, http.StatusBadRequest, constants.ErrRulesetEmptyRules)
			return
		}
		effectiveFrom, err := time.Parse("2006-01-02", req.EffectiveFrom)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "effective_from must be YYYY-MM-DD")
			return
		}
		var effectiveTo time.Time
		if req.EffectiveTo != "" {
			effectiveTo, err = time.Parse("2006-01-02", req.EffectiveTo)
			if err != nil {
				respondWithError(w, http.StatusBadRequest, "effective_to must be YYYY-MM-DD")
				return
			}
			if !effectiveFrom.Before(effectiveTo) {
				respondWithError(w, http.StatusBadRequest, "effective_to must be after effective_from")
				return
			}
		}

		rs := &pipeline.Ruleset{
			ID:            uuid.New(),
			WorkspaceID:   workspaceID,
			CarrierID:     carrierID,
			Version:       1,
			EffectiveFrom: effectiveFrom,
			EffectiveTo:   effectiveTo,
		}
		for _, rr := range req.Rules {
			rule, err := parseRule(rs.ID, rr)
			if err != nil {
				respondWithError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			rs.Rules = append(rs.Rules, rule)
		}

		existing, err := st.ListRulesets(r.Context(), workspaceID, carrierID)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		for i := range existing {
			prev := &existing[i]
			if prev.Version >= rs.Version {
				rs.Version = prev.Version + 1
			}
			if prev.EffectiveTo.IsZero() && prev.EffectiveFrom.Before(effectiveFrom) {
				prev.EffectiveTo = effectiveFrom
				if err := st.SaveRuleset(r.Context(), prev); err != nil {
					respondWithError(w, statusForError(err), messageForError(err))
					return
				}
			}
		}
		if err := st.SaveRuleset(r.Context(), rs); err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		log.Printf("[RECON-RULESET] carrier %s ruleset v%d (%d rules)", carrierID, rs.Version, len(rs.Rules))
		respondJSON(w, http.StatusCreated, map[string]interface{}{"ruleset": rs})
	}
}

// ListRulesetsHandler lists a carrier's ruleset versions.
func ListRulesetsHandler(st pipeline.Store) http.HandlerFunc {
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
		rulesets, err := st.ListRulesets(r.Context(), workspaceID, carrierID)
		if err != nil {
			respondWithError(w, statusForError(err), messageForError(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"rulesets": rulesets})
	}
}
