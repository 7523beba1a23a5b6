package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

// ErrWeatherUnavailable is returned when no reading exists for a district
var ErrWeatherUnavailable = errors.New("weather unavailable")

// WeatherClient reads current conditions from the weather service
type WeatherClient struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	logger        *zap.Logger
}

type currentWeatherResponse struct {
	Temperature *float64  `json:"temperature"`
	Rainfall    *float64  `json:"rainfall"`
	Humidity    *float64  `json:"humidity"`
	WindSpeed   *float64  `json:"wind_speed"`
	ObservedAt  time.Time `json:"observed_at"`
}

// NewWeatherClient creates a weather client. It returns nil when no weather
// service URL is configured.
func NewWeatherClient(cfg *config.Config, logger *zap.Logger) *WeatherClient {
	if cfg.Integration.WeatherURL == "" {
		logger.Info("weather integration disabled; contexts rely on trigger payloads")
		return nil
	}
	attempts := cfg.Integration.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &WeatherClient{
		baseURL: cfg.Integration.WeatherURL,
		apiKey:  cfg.Integration.WeatherAPIKey,
		httpClient: &http.Client{
			Timeout: cfg.Integration.RequestTimeout,
		},
		retryAttempts: attempts,
		retryDelay:    cfg.Integration.RetryDelay,
		logger:        logger,
	}
}

// Current returns the latest reading for a district. Transport errors and
// 5xx responses are retried; 404 maps to ErrWeatherUnavailable.
func (c *WeatherClient) Current(ctx context.Context, district string) (*models.WeatherSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		snapshot, retry, err := c.fetch(ctx, district)
		if err == nil {
			return snapshot, nil
		}
		lastErr = err
		if !retry || attempt == c.retryAttempts {
			break
		}
		c.logger.Debug("weather request failed, retrying",
			zap.Error(err),
			zap.String("district", district),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return nil, lastErr
}

func (c *WeatherClient) fetch(ctx context.Context, district string) (*models.WeatherSnapshot, bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/weather/current?district=%s", c.baseURL, url.QueryEscape(district))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: %s", ErrWeatherUnavailable, district)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body currentWeatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("weather retrieved", zap.String("district", district))

	return &models.WeatherSnapshot{
		Temperature: body.Temperature,
		Rainfall:    body.Rainfall,
		Humidity:    body.Humidity,
		WindSpeed:   body.WindSpeed,
		ObservedAt:  body.ObservedAt,
	}, false, nil
}

// HealthCheck checks the health of the weather service
func (c *WeatherClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close closes the client
func (c *WeatherClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
