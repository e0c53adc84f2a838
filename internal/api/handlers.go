package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"signal-engine/internal/lifecycle"
	"signal-engine/internal/signal"
)

// handleAlert accepts one webhook alert and feeds it to the engine. A
// classification failure is the caller's problem and returns 422; a full
// queue returns 503 so the sender retries.
func (s *Server) handleAlert(c *gin.Context) {
	var raw signal.RawAlert
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert payload: " + err.Error()})
		return
	}

	if err := s.engine.Submit(raw); err != nil {
		var reject *signal.RejectError
		if errors.As(err, &reject) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": reject.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"signal_type": raw.SignalType,
		"symbol":      raw.Symbol,
	})
}

// handleHealth probes each registered dependency with a short deadline.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := gin.H{}
	for _, h := range s.health {
		if err := h.Check(ctx); err != nil {
			status = "unhealthy"
			checks[h.Name] = err.Error()
		} else {
			checks[h.Name] = "healthy"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// handleStatus returns a runtime snapshot: open orders, active chains and
// the safety ledger.
func (s *Server) handleStatus(c *gin.Context) {
	open := s.orders.Open("")
	c.JSON(http.StatusOK, gin.H{
		"open_orders":     len(open),
		"unreconciled":    s.orders.Unreconciled(),
		"recovery_chains": len(s.reentry.ActiveChains()),
		"profit_chains":   len(s.profit.ActiveChains()),
		"safety":          s.governor.Snapshot(),
	})
}

func (s *Server) handleOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	c.JSON(http.StatusOK, gin.H{"orders": s.orders.Open(symbol)})
}

func (s *Server) handleOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleRecoveryChains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chains": s.reentry.ActiveChains()})
}

func (s *Server) handleProfitChains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chains": s.profit.ActiveChains()})
}
