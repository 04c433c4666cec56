package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	gorillaws "github.com/gorilla/websocket"

	"github.com/plcnet/plcnode/internal/api/middleware"
)

// Handler holds the Service dependencies for HTTP/WebSocket routes.
type Handler struct {
	service *Service
}

// NewHandler creates a new Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// SetupRoutes registers every operator API route on app. jwtConfig's
// SkipPaths should at minimum include "/api/v1/health" and "/api/v1/ws".
func (h *Handler) SetupRoutes(app *fiber.App, jwtConfig middleware.JWTConfig) {
	api := app.Group("/api/v1")

	api.Get("/health", h.healthCheck)

	protected := api.Group("", middleware.JWTMiddleware(jwtConfig))
	protected.Get("/connections", h.listConnections)
	protected.Get("/connections/:nodeId/:connId", middleware.RequireNodeScope(), h.getConnection)
	protected.Get("/connections/:nodeId/:connId/events", middleware.RequireNodeScope(), h.getConnectionEvents)

	// gofiber/websocket/v2 live event stream, used by the operator
	// dashboard's primary client. A caller may restrict its own feed to a
	// subset of nodes with "?nodes=1,2,3"; the upgraded Conn reads this
	// back via the "node_scope" local (see Hub.HandleWebSocket).
	app.Use("/api/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals("node_scope", parseNodesQuery(c.Query("nodes")))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(h.service.wsHub.HandleWebSocket))

	// A second raw endpoint over gorilla/websocket, bridged into fiber
	// via adaptor.HTTPHandlerFunc, for clients that can't use fiber's
	// websocket upgrade (e.g. a net/http based integration test harness).
	api.Get("/ws-raw", adaptor.HTTPHandlerFunc(h.handleRawWebSocket))
}

func (h *Handler) healthCheck(c *fiber.Ctx) error {
	report := h.service.Health(c.Context())
	report["service"] = "plcnode"
	report["websocket_clients"] = h.service.GetClientCount()
	return c.JSON(report)
}

func (h *Handler) listConnections(c *fiber.Ctx) error {
	all := h.service.ListConnections()

	claims, _ := c.Locals("claims").(*middleware.Claims)
	if claims == nil || len(claims.NodeScope) == 0 {
		return c.JSON(fiber.Map{"connections": all})
	}

	scoped := make([]ConnectionSnapshot, 0, len(all))
	for _, snap := range all {
		if claims.AllowsNode(snap.NodeID) {
			scoped = append(scoped, snap)
		}
	}
	return c.JSON(fiber.Map{"connections": scoped})
}

func (h *Handler) getConnection(c *fiber.Ctx) error {
	nodeID, connID, err := parseIDs(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	snap, err := h.service.GetConnection(nodeID, connID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(snap)
}

func (h *Handler) getConnectionEvents(c *fiber.Ctx) error {
	nodeID, connID, err := parseIDs(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	events, err := h.service.RecentEvents(c.Context(), nodeID, connID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"events": events})
}

// parseNodesQuery parses a comma-separated "?nodes=" value into a []int,
// silently skipping malformed entries. An empty or absent query yields
// nil (unscoped: every node).
func parseNodesQuery(raw string) []int {
	if raw == "" {
		return nil
	}
	var scope []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		scope = append(scope, n)
	}
	return scope
}

func parseIDs(c *fiber.Ctx) (nodeID, connID int, err error) {
	nodeID, err = strconv.Atoi(c.Params("nodeId"))
	if err != nil {
		return 0, 0, err
	}
	connID, err = strconv.Atoi(c.Params("connId"))
	if err != nil {
		return 0, 0, err
	}
	return nodeID, connID, nil
}

var gorillaUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Handler) handleRawWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := gorillaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, snap := range h.service.ListConnections() {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
