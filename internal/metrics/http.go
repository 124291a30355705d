package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMiddleware records request counts and durations labelled by method,
// route pattern and status code. Route patterns keep cardinality bounded.
func HTTPMiddleware(meterProvider metric.MeterProvider) (echo.MiddlewareFunc, error) {
	meter := meterProvider.Meter(Namespace)

	requests, err := meter.Int64Counter(
		fmt.Sprintf("%s_http_requests_total", Namespace),
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create request counter: %w", err)
	}
	durations, err := meter.Float64Histogram(
		fmt.Sprintf("%s_http_request_duration_seconds", Namespace),
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create request histogram: %w", err)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unknown"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("path", path),
				attribute.String("status_code", strconv.Itoa(status)),
			)
			ctx := c.Request().Context()
			requests.Add(ctx, 1, attrs)
			durations.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}, nil
}
