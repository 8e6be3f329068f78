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
	Healthy         bool   `json:"healthy"`
}

// Check is a dependency probed next to the database, e.g. the Redis event bus.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings the database and every extra check. observe, when
// non-nil, receives the pool stats on every call. Any failing probe turns the
// response into a 503.
func HealthHandler(pool *pgxpool.Pool, observe func(*PoolStats), checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		pingErr := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		if observe != nil {
			observe(stats)
		}
		return healthResponse(c, stats, pingErr, runChecks(ctx, checks))
	}
}

func runChecks(ctx context.Context, checks []Check) map[string]checkResult {
	if len(checks) == 0 {
		return nil
	}
	out := make(map[string]checkResult, len(checks))
	for _, chk := range checks {
		start := time.Now()
		err := chk.Ping(ctx)
		r := checkResult{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			r.Status, r.Error = "unhealthy", err.Error()
		}
		out[chk.Name] = r
	}
	return out
}

func healthResponse(c echo.Context, stats *PoolStats, pingErr error, checks map[string]checkResult) error {
	body := map[string]interface{}{"status": "healthy", "pool": stats}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	code := http.StatusOK
	if pingErr != nil {
		stats.Healthy = false
		body["error"] = pingErr.Error()
		code = http.StatusServiceUnavailable
	}
	for _, r := range checks {
		if r.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		body["status"] = "unhealthy"
	}
	return c.JSON(code, body)
}
