// Package mlclient calls the field ML service: health, equipment failure
// prediction, production optimization and anomaly detection.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ml service returned %d: %s", e.StatusCode, e.Message)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Models    map[string]string `json:"models"`
}

// EquipmentFailureRequest asks for a failure forecast for one piece of equipment
type EquipmentFailureRequest struct {
	EquipmentID string             `json:"equipment_id"`
	WellID      string             `json:"well_id,omitempty"`
	SensorData  map[string]float64 `json:"sensor_data,omitempty"`
}

// EquipmentFailureResponse is the forecast for one piece of equipment
type EquipmentFailureResponse struct {
	EquipmentID          string   `json:"equipment_id"`
	FailureProbability   float64  `json:"failure_probability"`
	PredictedFailureDate *string  `json:"predicted_failure_date"`
	Confidence           float64  `json:"confidence"`
	RiskLevel            string   `json:"risk_level"`
	RecommendedAction    string   `json:"recommended_action"`
	ContributingFactors  []string `json:"contributing_factors"`
}

// ProductionRequest asks for production settings for one well
type ProductionRequest struct {
	WellID         string             `json:"well_id"`
	CurrentMetrics map[string]float64 `json:"current_metrics,omitempty"`
}

// ProductionResponse carries recommended setting changes for a well
type ProductionResponse struct {
	WellID              string            `json:"well_id"`
	RecommendedChanges  map[string]string `json:"recommended_changes"`
	ExpectedImprovement float64           `json:"expected_improvement"`
	Confidence          float64           `json:"confidence"`
}

// AnomalyRequest submits recent values of one well for anomaly detection
type AnomalyRequest struct {
	WellID   string             `json:"well_id"`
	Readings map[string]float64 `json:"readings,omitempty"`
}

// AnomalyResponse lists detected anomalies for a well
type AnomalyResponse struct {
	WellID                   string        `json:"well_id"`
	AnomaliesDetected        []interface{} `json:"anomalies_detected"`
	Severity                 string        `json:"severity"`
	RecommendedInvestigation string        `json:"recommended_investigation"`
}

// Client talks to the ML service over HTTP
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. A nil httpClient uses a client with a
// 5 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Health checks GET /health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PredictEquipmentFailure calls POST /predict/equipment-failure
func (c *Client) PredictEquipmentFailure(ctx context.Context, req EquipmentFailureRequest) (*EquipmentFailureResponse, error) {
	var out EquipmentFailureResponse
	if err := c.do(ctx, http.MethodPost, "/predict/equipment-failure", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OptimizeProduction calls POST /predict/production
func (c *Client) OptimizeProduction(ctx context.Context, req ProductionRequest) (*ProductionResponse, error) {
	var out ProductionResponse
	if err := c.do(ctx, http.MethodPost, "/predict/production", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DetectAnomalies calls POST /predict/anomaly
func (c *Client) DetectAnomalies(ctx context.Context, req AnomalyRequest) (*AnomalyResponse, error) {
	var out AnomalyResponse
	if err := c.do(ctx, http.MethodPost, "/predict/anomaly", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ml request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage prefers the message field of a JSON error body
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
