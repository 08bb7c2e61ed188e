package recon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"CommitrakCRM/api/constants"
	"CommitrakCRM/api/recon/pipeline"
	"CommitrakCRM/api/recon/store"
)

func confirmMapping(t *testing.T, h http.HandlerFunc, payload map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/recon/mappings/confirm", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decodeMapping(t *testing.T, rr *httptest.ResponseRecorder) pipeline.ColumnMapping {
	t.Helper()
	var resp struct {
		Mapping pipeline.ColumnMapping `json:"mapping"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Mapping
}

func TestConfirmMappingVersionsAndFreeze(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	h := ConfirmMappingHandler(mem)
	ws, carrier := uuid.New(), uuid.New()
	payload := map[string]interface{}{
		"workspace_id": ws.String(),
		"carrier_id":   carrier.String(),
		"columns": []map[string]string{
			{"source": "Policy", "field": pipeline.FieldPolicyNumber},
			{"source": "Premium", "field": pipeline.FieldPremium},
			{"source": "Date", "field": pipeline.FieldTxnDate},
		},
	}

	rr := confirmMapping(t, h, payload)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first confirm: %d %s", rr.Code, rr.Body)
	}
	if v := decodeMapping(t, rr).Version; v != 1 {
		t.Fatalf("first confirm version = %d, want 1", v)
	}

	// Re-confirming the current version while nothing references it replaces
	// the draft in place.
	payload["version"] = 1
	rr = confirmMapping(t, h, payload)
	if rr.Code != http.StatusCreated {
		t.Fatalf("in-place confirm: %d %s", rr.Code, rr.Body)
	}
	if v := decodeMapping(t, rr).Version; v != 1 {
		t.Fatalf("in-place confirm version = %d, want 1", v)
	}

	// Once a batch references the version it is frozen.
	current, err := mem.GetMapping(ctx, ws, carrier)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateBatch(ctx, &pipeline.ImportBatch{
		ID: uuid.New(), WorkspaceID: ws, CarrierID: carrier,
		MappingID: current.ID, Status: pipeline.BatchUploaded,
	}, nil); err != nil {
		t.Fatal(err)
	}
	rr = confirmMapping(t, h, payload)
	if rr.Code != http.StatusConflict {
		t.Fatalf("frozen confirm: %d %s", rr.Code, rr.Body)
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error != constants.ErrMappingFrozen {
		t.Errorf("error = %q, want %q", errResp.Error, constants.ErrMappingFrozen)
	}

	// Without a version the confirmation lands as the next one.
	delete(payload, "version")
	rr = confirmMapping(t, h, payload)
	if rr.Code != http.StatusCreated {
		t.Fatalf("next-version confirm: %d %s", rr.Code, rr.Body)
	}
	if v := decodeMapping(t, rr).Version; v != 2 {
		t.Errorf("next-version confirm version = %d, want 2", v)
	}
}

func TestConfirmMappingReportsMissingRequired(t *testing.T) {
	h := ConfirmMappingHandler(store.NewMemory())
	rr := confirmMapping(t, h, map[string]interface{}{
		"workspace_id": uuid.New().String(),
		"carrier_id":   uuid.New().String(),
		"columns": []map[string]string{
			{"source": "Policy", "field": pipeline.FieldPolicyNumber},
		},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d %s", rr.Code, rr.Body)
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	want := constants.FormatMissingFieldError(pipeline.FieldPremium)
	if !bytes.Contains([]byte(errResp.Error), []byte(want)) {
		t.Errorf("error %q does not name the missing premium field", errResp.Error)
	}
}
