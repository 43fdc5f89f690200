package endpoints

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.nhat.io/otelsql/attribute"
	"go.opentelemetry.io/otel/metric"

	"git.sr.ht/~aondrejcak/finpulse-api/assert"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/syncer"
)

type StartSyncDto struct {
	Force bool `json:"force"`
}

func StartSync(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("sync.start")

	assert.NotNil(rt.Key, "key != nil")

	var dto StartSyncDto
	if c.Request.ContentLength > 0 {
		rt.BindJSON(&dto)
		if rt.Error != nil {
			rt.Ef(400, "could not bind body: %v", rt.Error)
			return
		}
	}

	svc := LoadServices(rt.AppRuntime)
	ticket, err := svc.Coordinator.StartSync(rt.UserID(), dto.Force)
	if err != nil {
		var running *syncer.SyncRunningError
		if errors.As(err, &running) {
			rt.Ej(http.StatusConflict, err, gin.H{"syncId": running.SyncID})
			return
		}
		rt.Ef(500, "failed to start sync: %v", err)
		return
	}

	rt.AppRuntime.Diagnostic.SyncRunsCounter.Add(rt.SpanContext, 1,
		metric.WithAttributes(attribute.KeyValue("sync.kind", "background")),
	)
	rt.Span.SetAttributes(attribute.KeyValue("sync.id", ticket.SyncID))

	c.JSON(http.StatusAccepted, ticket)
	rt.EndBlock()
}

func SyncStatus(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("sync.status")

	assert.NotNil(rt.Key, "key != nil")

	svc := LoadServices(rt.AppRuntime)
	status, err := svc.Coordinator.GetSyncStatus(rt.UserID())
	if err != nil {
		rt.Ef(500, "failed to load sync status: %v", err)
		return
	}

	c.JSON(200, status)
	rt.EndBlock()
}

type FullRefreshDto struct {
	Force            bool `json:"force"`
	IncludeDashboard bool `json:"includeDashboard"`
}

// FullRefresh re-fetches every data type from every connected bank
// synchronously; force bypasses the snapshot cache.
func FullRefresh(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.StepInto("sync.refresh")

	assert.NotNil(rt.Key, "key != nil")

	var dto FullRefreshDto
	if c.Request.ContentLength > 0 {
		rt.BindJSON(&dto)
		if rt.Error != nil {
			rt.Ef(400, "could not bind body: %v", rt.Error)
			return
		}
	}

	svc := LoadServices(rt.AppRuntime)
	result, err := svc.Coordinator.RunFullRefresh(rt.SpanContext, rt.UserID(), dto.Force, dto.IncludeDashboard)
	if err != nil {
		var running *syncer.SyncRunningError
		if errors.As(err, &running) {
			rt.Ej(http.StatusConflict, err, gin.H{"syncId": running.SyncID})
			return
		}
		if errors.Is(err, syncer.ErrNoApprovedConsents) {
			rt.Ef(http.StatusConflict, "no approved account consents, connect a bank first")
			return
		}
		rt.Ef(500, "full refresh failed: %v", err)
		return
	}

	rt.AppRuntime.Diagnostic.SyncRunsCounter.Add(rt.SpanContext, 1,
		metric.WithAttributes(attribute.KeyValue("sync.kind", "refresh")),
	)

	c.JSON(200, result)
	rt.EndBlock()
}
