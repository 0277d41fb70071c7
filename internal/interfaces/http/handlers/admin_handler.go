package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	"github.com/ngoclaw/agentcore/internal/infrastructure/resilience"
)

// AdminHandler exposes read-only introspection into one Orchestrator's live
// state: rate allocations, circuit breakers, and the spawned-agent family
// tree. It is never on the hot path — nothing here is called by the agent
// loop itself, only by an operator or a dashboard polling this surface.
type AdminHandler struct {
	coordinator *service.RateCoordinator
	breakers    *resilience.Registry
	spawns      *agent.Registry
	logger      *zap.Logger
}

// NewAdminHandler wires an AdminHandler to one Orchestrator's introspection
// accessors.
func NewAdminHandler(coordinator *service.RateCoordinator, breakers *resilience.Registry, spawns *agent.Registry, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{coordinator: coordinator, breakers: breakers, spawns: spawns, logger: logger}
}

// Status reports a one-line health summary.
// GET /admin/status
func (h *AdminHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"allocations": h.coordinator.Count(),
	})
}

// Allocations lists every agent currently holding a share of the shared rate
// budget.
// GET /admin/allocations
func (h *AdminHandler) Allocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"allocations": h.coordinator.Snapshot()})
}

// CircuitBreakers lists every provider/model circuit breaker this
// orchestrator has created, with its current derived state.
// GET /admin/circuit
func (h *AdminHandler) CircuitBreakers(c *gin.Context) {
	snap := h.breakers.Snapshot()
	out := make([]gin.H, 0, len(snap))
	for _, b := range snap {
		out = append(out, gin.H{
			"key":           b.Key,
			"state":         b.State.String(),
			"failure_count": b.FailureCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"breakers": out})
}

// Agents lists every agent spawned so far, root and nested.
// GET /admin/agents
func (h *AdminHandler) Agents(c *gin.Context) {
	records := h.spawns.All()
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, gin.H{
			"id":         rec.ID,
			"parent_id":  rec.ParentID,
			"agent_type": rec.AgentType,
			"task":       rec.Task,
			"depth":      rec.Depth,
			"status":     rec.Status.String(),
			"created_at": rec.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// AgentChildren lists the direct children spawned by one agent ID.
// GET /admin/agents/:id/children
func (h *AdminHandler) AgentChildren(c *gin.Context) {
	id := c.Param("id")
	children := h.spawns.Children(id)
	out := make([]gin.H, 0, len(children))
	for _, rec := range children {
		out = append(out, gin.H{
			"id":         rec.ID,
			"agent_type": rec.AgentType,
			"status":     rec.Status.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"parent_id": id, "children": out})
}
