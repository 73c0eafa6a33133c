// Package api exposes the orchestration core over HTTP.
package api

import (
	"github.com/agentplane/agentplane/internal/applog"
	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/collab"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/orchestrator"
	"github.com/agentplane/agentplane/internal/registry"
)

// Services bundles the core components the API fronts. Journal may be nil
// when event persistence is disabled.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Collab       *collab.Coordinator
	Consensus    *consensus.Engine
	Decomposer   *decomposer.Decomposer
	Bus          bus.Bus
	Journal      *applog.Journal
}

// Handler contains the HTTP handlers for the orchestration API.
type Handler struct {
	svc    Services
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, log *logger.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: log,
	}
}
