package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"boundary/internal/probe"
	"boundary/internal/verifier/model"
	"boundary/internal/verifier/service"
	pkgrepo "boundary/pkg/repository"
	"boundary/pkg/utils/response"
)

// RunController handles verification run HTTP endpoints.
type RunController struct {
	svc *service.Service
}

// NewRunController creates a new RunController.
func NewRunController(svc *service.Service) *RunController {
	return &RunController{svc: svc}
}

// Create accepts a new verification run.
func (h *RunController) Create(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	runID, err := h.svc.Submit(c.Request.Context(), model.RunRequest{
		RunID:         req.RunID,
		Bundle:        req.Bundle,
		BundleVersion: req.BundleVersion,
		BundleDigest:  req.BundleDigest,
		Probes:        req.Probes,
		Parallel:      req.Parallel,
		RequestedBy:   c.GetString("username"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Accepted(c, CreateRunResponse{
		RunID:  runID,
		Status: string(model.StatusPending),
	})
}

// GetStatus returns the current view of one run.
func (h *RunController) GetStatus(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	status, err := h.svc.GetStatus(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// GetReport returns the archived report for a finished run.
func (h *RunController) GetReport(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	report, err := h.svc.Report(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// List pages through recorded runs.
func (h *RunController) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	pageSize := parseIntQuery(c, "page_size", 20)

	var opts pkgrepo.ListOptions
	opts.SetPagination(page, pageSize)
	if orderBy := c.Query("order_by"); orderBy != "" {
		opts.SetSort(orderBy, c.Query("order") != "asc")
	}

	runs, err := h.svc.List(c.Request.Context(), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithPagination(c, runs.Items, runs.Total, runs.Page, runs.PageSize)
}

// Ack marks a recorded run as reviewed.
func (h *RunController) Ack(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	if err := h.svc.Ack(c.Request.Context(), runID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, AckResponse{RunID: runID, Reviewed: true})
}

// Purge deletes a recorded run and its evidence.
func (h *RunController) Purge(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	if err := h.svc.Purge(c.Request.Context(), runID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// Stats returns aggregate run and breach counters.
func (h *RunController) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// Catalog lists the default probe catalog.
func (h *RunController) Catalog(c *gin.Context) {
	cat, err := h.svc.Catalog()
	if err != nil {
		response.Error(c, err)
		return
	}
	entries := make([]CatalogEntry, 0, cat.Len())
	for _, d := range cat.Probes {
		entries = append(entries, CatalogEntry{
			Name:     d.Name,
			Category: string(d.Category),
			Expect:   string(d.Expect),
			Ceilings: d.Ceilings,
		})
	}
	response.Success(c, CatalogResponse{Probes: entries})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// Stream upgrades to a websocket and pushes run events: a status
// snapshot first, then every classified verdict, then the terminal
// status. The connection closes once the run reaches a terminal state.
func (h *RunController) Stream(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}

	// Resolve before the upgrade so unknown runs get a proper HTTP error.
	status, err := h.svc.GetStatus(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := h.svc.Hub().Subscribe(runID)
	defer cancel()

	snapshot := model.StreamEvent{
		Type:      model.EventStatus,
		RunID:     runID,
		Status:    &status,
		CreatedAt: time.Now().Unix(),
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}
	if isTerminal(status.Status) {
		return
	}

	// The read loop only detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == model.EventStatus && event.Status != nil && isTerminal(event.Status.Status) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isTerminal(s model.RunStatus) bool {
	return s == model.StatusFinished || s == model.StatusFailed
}

func parseIntQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// CreateRunRequest defines the run submission payload.
type CreateRunRequest struct {
	RunID         string   `json:"run_id"`
	Bundle        string   `json:"bundle"`
	BundleVersion string   `json:"bundle_version"`
	BundleDigest  string   `json:"bundle_digest"`
	Probes        []string `json:"probes"`
	Parallel      int      `json:"parallel"`
}

// CreateRunResponse defines the run submission response payload.
type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// AckResponse defines the review acknowledgement response payload.
type AckResponse struct {
	RunID    string `json:"run_id"`
	Reviewed bool   `json:"reviewed"`
}

// CatalogEntry describes one probe in the default catalog.
type CatalogEntry struct {
	Name     string         `json:"name"`
	Category string         `json:"category"`
	Expect   string         `json:"expect"`
	Ceilings probe.Ceilings `json:"ceilings"`
}

// CatalogResponse lists the default catalog.
type CatalogResponse struct {
	Probes []CatalogEntry `json:"probes"`
}
