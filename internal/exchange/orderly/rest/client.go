// Package rest reads Orderly's public, unauthenticated REST market data.
package rest

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mmbot/internal/logger"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// New builds a client limited to rps requests per second; rps <= 0 disables the limit.
func New(baseURL string, rps float64, log *logger.Logger) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("orderly_rest")
}

type response[T any] struct {
	Success   bool   `json:"success"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      T      `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func get[T any](ctx context.Context, c *Client, path string, params map[string]string) (T, error) {
	var zero T

	if err := c.limiter.Wait(ctx); err != nil {
		return zero, errors.Wrap(err, "ожидание лимита запросов")
	}

	var out response[T]
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		SetError(&out).
		Get(path)
	if err != nil {
		return zero, errors.Wrapf(err, "GET %s", path)
	}

	if !resp.IsSuccess() {
		c.logEntry().WithFields(map[string]interface{}{
			"path":   path,
			"status": resp.StatusCode(),
		}).Debug("Неуспешный ответ Orderly")
		if out.Message != "" {
			return zero, errors.Errorf("GET %s: %s: %s (code=%d)", path, resp.Status(), out.Message, out.Code)
		}
		return zero, errors.Errorf("GET %s: %s", path, resp.Status())
	}
	if !out.Success {
		return zero, errors.Errorf("Ошибка orderly: %s (code=%d)", out.Message, out.Code)
	}
	return out.Data, nil
}
