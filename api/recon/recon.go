package recon

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"CommitrakCRM/api"
	"CommitrakCRM/api/recon/pipeline"
	reconstore "CommitrakCRM/api/recon/store"
	"CommitrakCRM/internal/notification"
)

// StartReconService wires the reconciliation pipeline over Postgres and
// serves the statement HTTP API. With a nil pool it falls back to the
// in-memory store, which is how local dev runs without a database.
func StartReconService(pool *pgxpool.Pool, port int) {
	var st pipeline.Store
	if pool != nil {
		st = reconstore.NewPostgres(pool)
	} else {
		log.Println("[RECON] no database pool, using in-memory store")
		st = reconstore.NewMemory()
	}

	p := pipeline.NewPipeline(st,
		pipeline.WithEventSink(notification.NewFinalizeNotifier()),
	)
	archiver := NewArchiverFromEnv()

	r := mux.NewRouter()
	r.Use(logMiddleware)
	// Mutating batch operations require a live session; reads and the
	// mapping/ruleset admin endpoints stay open behind the gateway.
	sessionRequired := api.SessionMiddleware()

	r.Handle("/recon/batches/upload", sessionRequired(UploadBatchHandler(p, archiver))).Methods(http.MethodPost)
	r.HandleFunc("/recon/batches", ListBatchesHandler(st)).Methods(http.MethodGet)
	r.HandleFunc("/recon/batches/{id}/status", BatchStatusHandler(p)).Methods(http.MethodGet)
	r.Handle("/recon/batches/{id}", sessionRequired(DiscardBatchHandler(p))).Methods(http.MethodDelete)
	r.HandleFunc("/recon/batches/{id}/rows", BatchRowsHandler(p)).Methods(http.MethodGet)
	r.Handle("/recon/batches/{id}/finalize", sessionRequired(FinalizeBatchHandler(p))).Methods(http.MethodPost)
	r.Handle("/recon/batches/{id}/archive", sessionRequired(ArchiveBatchHandler(p))).Methods(http.MethodPost)

	r.HandleFunc("/recon/mappings/infer", InferMappingHandler()).Methods(http.MethodPost)
	r.HandleFunc("/recon/mappings/confirm", ConfirmMappingHandler(st)).Methods(http.MethodPost)
	r.HandleFunc("/recon/mappings", GetMappingHandler(st)).Methods(http.MethodGet)

	r.HandleFunc("/recon/rulesets", CreateRulesetHandler(st)).Methods(http.MethodPost)
	r.HandleFunc("/recon/rulesets", ListRulesetsHandler(st)).Methods(http.MethodGet)

	r.Handle("/recon/transactions/{id}/reverse", sessionRequired(ReverseTransactionHandler(p))).Methods(http.MethodPost)
	r.HandleFunc("/recon/payout/summary", PayoutSummaryHandler(st)).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("[RECON] statement service started on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("[RECON] service failed: %v", err)
	}
}
