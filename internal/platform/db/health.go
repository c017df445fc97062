package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
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
	}
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler pings every named dependency. Any failure turns the whole
// response into 503. pool may be nil when no database is configured.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		all := make(map[string]Check, len(checks)+1)
		for name, check := range checks {
			all[name] = check
		}
		if pool != nil {
			all["postgres"] = pool.Ping
		}

		status, code, components := runChecks(ctx, all)
		body := map[string]interface{}{
			"status":     status,
			"components": components,
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		return c.JSON(code, body)
	}
}

func runChecks(ctx context.Context, checks map[string]Check) (string, int, map[string]string) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "healthy", http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			components[name] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	return status, code, components
}
