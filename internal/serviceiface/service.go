// Package serviceiface defines the lifecycle contract every Commitrak
// service (logger, auth, recon, cron, gateway) implements so the app
// manager can start and stop them from services.yaml order.
package serviceiface

type Service interface {
	Name() string
	Start() error
	Stop() error
}
