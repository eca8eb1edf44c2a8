// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/attribution/pkg/attribution"
	"github.com/luxfi/attribution/pkg/epoch"
	"github.com/luxfi/attribution/pkg/event"
	"github.com/luxfi/attribution/pkg/log"
	"github.com/luxfi/attribution/pkg/metric"
	"github.com/luxfi/attribution/pkg/query"
	"github.com/luxfi/attribution/pkg/rtb"
)

func setupRouter(env string, coordinator *attribution.Coordinator, metrics *metric.Metrics, logger log.Logger) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		metrics.GetGatherer(),
		promhttp.HandlerOpts{},
	)))

	adapter := rtb.NewAdapter(coordinator, logger)

	api := router.Group("/api/v1")
	{
		api.POST("/impressions", recordImpression(coordinator))
		api.POST("/conversions", measureConversion(coordinator))
		api.GET("/budget", getBudget(coordinator))
		api.POST("/clear", clearBudgets(coordinator))

		// Testing surface: raw events in, per-epoch reports out.
		api.POST("/events", addMockEvent(coordinator))
		api.POST("/reports", computeReport(coordinator))

		api.POST("/rtb/wins", recordWin(adapter))
	}

	return router
}

func recordImpression(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Index      uint32 `json:"index"`
			Ad         string `json:"ad"`
			TargetHost string `json:"targetHost" binding:"required"`
			SourceHost string `json:"sourceHost" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		// Fire-and-forget: the response does not reveal whether the
		// impression was actually stored.
		coordinator.RecordImpression(c.Request.Context(), attribution.ImpressionOptions{
			Index:      req.Index,
			Ad:         req.Ad,
			TargetHost: req.TargetHost,
			SourceHost: req.SourceHost,
		})
		c.JSON(202, gin.H{"status": "accepted"})
	}
}

func measureConversion(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Task          string   `json:"task" binding:"required"`
			HistogramSize uint32   `json:"histogramSize" binding:"required"`
			LookbackDays  uint32   `json:"lookbackDays"`
			Value         float64  `json:"value"`
			MaxValue      float64  `json:"maxValue"`
			Ads           []string `json:"ads"`
			SourceHosts   []string `json:"sourceHosts"`
			TargetHost    string   `json:"targetHost" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		err := coordinator.MeasureConversion(c.Request.Context(), attribution.ConversionOptions{
			Task:          req.Task,
			HistogramSize: req.HistogramSize,
			LookbackDays:  req.LookbackDays,
			Value:         req.Value,
			MaxValue:      req.MaxValue,
			Ads:           req.Ads,
			SourceHosts:   req.SourceHosts,
			TargetHost:    req.TargetHost,
		})
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "measured"})
	}
}

func getBudget(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := strconv.ParseUint(c.Query("epoch"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid epoch"})
			return
		}

		remaining := coordinator.GetBudget(c.Query("kind"), e, c.Query("host"))
		c.JSON(200, gin.H{"remaining": remaining})
	}
}

func clearBudgets(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := coordinator.ClearBudgets(c.Request.Context()); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "cleared"})
	}
}

func addMockEvent(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev event.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if ev.FilterData == 0 {
			ev.FilterData = event.PackFilterData(ev.Ad, ev.Index)
		}
		if err := coordinator.AddMockEvent(c.Request.Context(), ev); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(201, gin.H{"id": ev.ID})
	}
}

func computeReport(coordinator *attribution.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			StartEpoch           uint64   `json:"startEpoch"`
			EndEpoch             uint64   `json:"endEpoch"`
			AttributableValue    float64  `json:"attributableValue"`
			MaxAttributableValue float64  `json:"maxAttributableValue"`
			RequestedEpsilon     float64  `json:"requestedEpsilon"`
			HistogramSize        uint32   `json:"histogramSize"`
			TriggerHost          string   `json:"triggerHost" binding:"required"`
			SourceHosts          []string `json:"sourceHosts"`
			QuerierHosts         []string `json:"querierHosts"`
			Ads                  []string `json:"ads"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		queriers := req.QuerierHosts
		if len(queriers) == 0 {
			queriers = []string{req.TriggerHost}
		}

		hr := &query.HistogramRequest{
			StartEpoch:           epoch.Epoch(req.StartEpoch),
			EndEpoch:             epoch.Epoch(req.EndEpoch),
			AttributableValue:    req.AttributableValue,
			MaxAttributableValue: req.MaxAttributableValue,
			RequestedEpsilon:     req.RequestedEpsilon,
			HistogramSize:        req.HistogramSize,
			TriggerHost:          req.TriggerHost,
			SourceHosts:          req.SourceHosts,
			QuerierHosts:         queriers,
			Selector:             query.NewSelector(req.TriggerHost, queriers, req.SourceHosts, req.Ads),
		}

		result, err := coordinator.ComputeReportFor(c.Request.Context(), hr)
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		reports := make([]gin.H, 0, len(result.Reports))
		for _, er := range result.Reports {
			reports = append(reports, gin.H{
				"epoch":           uint64(er.Epoch),
				"report":          []float64(er.Report),
				"consumedEpsilon": er.ConsumedEpsilon,
			})
		}
		oob := make([]string, 0, len(result.OutOfBudget))
		for _, id := range result.OutOfBudget {
			oob = append(oob, id.String())
		}
		c.JSON(200, gin.H{
			"reports":     reports,
			"outOfBudget": oob,
		})
	}
}

func recordWin(adapter *rtb.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rtb.Win
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := adapter.RecordWin(c.Request.Context(), req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		c.JSON(202, gin.H{
			"status": "recorded",
			"spend":  adapter.Spend(req.SourceHost).String(),
		})
	}
}

// logSubmitter logs finished reports instead of sending them anywhere.
// Used when no collector is configured.
type logSubmitter struct {
	log log.Logger
}

func (s *logSubmitter) Submit(_ context.Context, task string, report []float64) error {
	s.log.Info("report ready",
		log.String("task", task),
		log.Int("buckets", len(report)))
	return nil
}

// httpSubmitter posts finished reports to a collector endpoint.
type httpSubmitter struct {
	url    string
	client *http.Client
	log    log.Logger
}

func newHTTPSubmitter(url string, logger log.Logger) *httpSubmitter {
	return &httpSubmitter{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *httpSubmitter) Submit(ctx context.Context, task string, report []float64) error {
	body, err := json.Marshal(map[string]any{
		"task":   task,
		"report": report,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}
