package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// Health is the body of GET /health/db.
type Health struct {
	Status    string     `json:"status"`
	Storage   string     `json:"storage"`
	LatencyMS int64      `json:"latency_ms,omitempty"`
	Error     string     `json:"error,omitempty"`
	Pool      *PoolStats `json:"pool,omitempty"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// CheckHealth pings the pool. A nil pool means the server runs on in-memory
// stores, which are always healthy.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) Health {
	if pool == nil {
		return Health{Status: "healthy", Storage: "memory"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := pool.Ping(ctx)
	h := Health{
		Status:    "healthy",
		Storage:   "postgres",
		LatencyMS: time.Since(start).Milliseconds(),
		Pool:      poolStats(pool),
	}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}

func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := CheckHealth(c.Request().Context(), pool)
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, h)
	}
}
