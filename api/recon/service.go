package recon

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"CommitrakCRM/internal/serviceiface"
)

type ReconService struct {
	config map[string]interface{}
	pool   *pgxpool.Pool
}

func NewReconService(cfg map[string]interface{}, pool *pgxpool.Pool) serviceiface.Service {
	return &ReconService{config: cfg, pool: pool}
}

func (s *ReconService) Name() string {
	return "recon"
}

func (s *ReconService) Start() error {
	port := 6161
	if v, ok := s.config["port"]; ok {
		switch t := v.(type) {
		case int:
			port = t
		case float64:
			port = int(t)
		}
	}
	go StartReconService(s.pool, port)
	return nil
}

func (s *ReconService) Stop() error {
	return nil
}
