package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	logx "runsched/pkg/logx"
)

// rateLimit admits at most perSec requests per second across all clients.
// The event stream is long-lived and exempt.
func rateLimit(perSec float64, burst int) echo.MiddlewareFunc {
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/events" {
				return next(c)
			}
			r := lim.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
				return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate limited", Kind: "rate_limited"})
			}
			return next(c)
		}
	}
}

func (s *Server) requestLog() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("path", v.URIPath),
				logx.Int("status", v.Status),
				logx.Duration("took", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logx.Err(v.Error))
			}
			if v.Status >= http.StatusInternalServerError {
				s.log.Warn("request", fields...)
				return nil
			}
			if v.Latency >= time.Second {
				s.log.Info("slow request", fields...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}
