package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/auth"
	"boll-trading-bot/internal/database"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"database":       "healthy",
		"mode":           s.cfg.Mode,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.cfg.Version,
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"symbol":         s.cfg.Symbol,
		"interval":       s.cfg.Interval,
		"mode":           s.cfg.Mode,
	})
}

func (s *Server) handleEngineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	s.engine.Start()
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.engine.Stop()
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handlePosition(c *gin.Context) {
	pos, err := s.repo.GetOpenPosition(c.Request.Context(), s.cfg.Symbol)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		c.JSON(http.StatusOK, gin.H{"position": nil})
		return
	}

	resp := gin.H{"position": pos}
	if price, ts, ok := s.prices.LastPrice(); ok {
		resp["last_price"] = price
		resp["price_ts"] = ts
		resp["unrealized_pnl"] = unrealizedPnL(pos, price)
	}
	c.JSON(http.StatusOK, resp)
}

func unrealizedPnL(pos *database.Position, price float64) float64 {
	if pos.Side == database.SideShort {
		return (pos.EntryPrice - price) * pos.Qty
	}
	return (price - pos.EntryPrice) * pos.Qty
}

// handlePositions reports venue positions in live mode, falling back to
// the store when the venue is unreachable. Sim mode reads the store.
func (s *Server) handlePositions(c *gin.Context) {
	if s.cfg.Mode == "live" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), venueTimeout)
		defer cancel()
		positions, err := s.adapter.Positions(ctx)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"positions": positions, "source": "venue"})
			return
		}
		s.logger.Warn().Err(err).Msg("venue positions unavailable, serving store")
	}

	pos, err := s.repo.GetOpenPosition(c.Request.Context(), s.cfg.Symbol)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	positions := []adapter.Position{}
	if pos != nil {
		positions = append(positions, adapter.Position{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Qty:        pos.Qty,
			EntryPrice: pos.EntryPrice,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "source": "store"})
}

func (s *Server) handleBalance(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), venueTimeout)
	defer cancel()

	balance, err := s.adapter.Balance(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := queryLimit(c, 50, 500)
	trades, err := s.repo.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := queryLimit(c, 200, 1000)
	logs, err := s.repo.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleProfits(c *gin.Context) {
	days, err := s.repo.DailyProfits(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days})
}

func (s *Server) handleProfitSummary(c *gin.Context) {
	summary, err := s.repo.ProfitSummary(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handlePriceAndBoll pairs the last closed bar's bands with a preview of
// the forming bar: the streamed price substituted into the window's
// final slot.
func (s *Server) handlePriceAndBoll(c *gin.Context) {
	st := s.engine.Status()
	resp := gin.H{
		"symbol": s.cfg.Symbol,
		"close":  st.LastClose,
		"closed": st.Bands,
	}
	if price, ts, ok := s.prices.LastPrice(); ok {
		resp["price"] = price
		resp["price_ts"] = ts
		if preview, previewOK := s.engine.Preview(price); previewOK {
			resp["preview"] = preview
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.auth.Enabled()})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadPassword) {
			errorResponse(c, http.StatusUnauthorized, "wrong password")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": s.auth.TokenTTLSeconds(),
	})
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}
