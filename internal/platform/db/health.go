package db

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// PoolStats is the subset of pgxpool statistics exposed on /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
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

// Pinger is anything whose reachability can be checked: the pgx pool, the
// redis version store, an audit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type checkResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthHandler pings every dependency concurrently and answers 503 if any
// of them fails. Driver error text never reaches the response body.
func HealthHandler(deps map[string]Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			checks  = make(map[string]checkResult, len(deps))
			healthy = true
		)
		var g errgroup.Group
		for name, dep := range deps {
			g.Go(func() error {
				start := time.Now()
				err := dep.Ping(ctx)
				res := checkResult{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
				if err != nil {
					res.Status = "unhealthy"
				}
				mu.Lock()
				checks[name] = res
				healthy = healthy && err == nil
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		body := map[string]any{"status": "healthy", "checks": checks}
		if stats != nil {
			body["pool"] = stats()
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
