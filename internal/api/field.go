package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wellpulse/loadsim/pkg/models"
)

// FieldConfig configures the field stub
type FieldConfig struct {
	Port           int
	FailRate       float64       // fraction of ingest requests answered with 503
	Latency        time.Duration // added to every ingest request
	MaxPayloadSize int64         // raw and decompressed body limit
	Seed           int64         // 0 picks a seed from the clock
}

// TenantCounts holds accepted and rejected items for one tenant
type TenantCounts struct {
	Readings int64 `json:"readings"`
	Entries  int64 `json:"entries"`
	Rejected int64 `json:"rejected"`
}

// FieldServer mimics the ML service and the ingestion API for local runs
type FieldServer struct {
	server
	cfg     FieldConfig
	started time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	zstdDec *zstd.Decoder

	mu       sync.Mutex
	tenants  map[string]*TenantCounts
	injected atomic.Int64
	mlCalls  atomic.Int64
}

// NewFieldServer builds the stub with its routes registered
func NewFieldServer(cfg FieldConfig, log zerolog.Logger) (*FieldServer, error) {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = 64 * 1024 * 1024
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(cfg.MaxPayloadSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	log = log.With().Str("component", "field-stub").Logger()
	sc := DefaultServerConfig()
	sc.BodyLimit = int(cfg.MaxPayloadSize)

	s := &FieldServer{
		server: server{
			app:    newApp("loadsim field stub", sc, log),
			logger: log,
			addr:   fmt.Sprintf(":%d", cfg.Port),
		},
		cfg:     cfg,
		started: time.Now(),
		rng:     rand.New(rand.NewSource(seed)),
		zstdDec: dec,
		tenants: make(map[string]*TenantCounts),
	}
	s.registerRoutes()
	return s, nil
}

func (s *FieldServer) registerRoutes() {
	s.app.Get("/", s.rootHandler)
	s.app.Get("/health", s.healthHandler)

	s.app.Post("/predict/equipment-failure", s.equipmentFailureHandler)
	s.app.Post("/predict/production", s.productionHandler)
	s.app.Post("/predict/anomaly", s.anomalyHandler)

	s.app.Post("/api/scada/readings", s.readingsHandler)
	s.app.Post("/api/field-data", s.fieldDataHandler)
	s.app.Get("/api/stats", s.statsHandler)
}

func (s *FieldServer) rootHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "WellPulse field stub",
		"version": "1.0.0",
		"endpoints": fiber.Map{
			"health":            "GET /health",
			"equipment_failure": "POST /predict/equipment-failure",
			"production":        "POST /predict/production",
			"anomaly":           "POST /predict/anomaly",
			"scada_readings":    "POST /api/scada/readings",
			"field_data":        "POST /api/field-data",
			"ingest_stats":      "GET /api/stats",
		},
	})
}

func (s *FieldServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   "ml",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"models": fiber.Map{
			"predictive_maintenance":  "ready",
			"production_optimization": "ready",
			"anomaly_detection":       "ready",
		},
	})
}

func validationError(c *fiber.Ctx, field string) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"error":   "validation_error",
		"message": field + " is required",
	})
}

// idField decodes a JSON body and returns the named string field
func idField(c *fiber.Ctx, field string) (string, bool) {
	var body map[string]interface{}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return "", false
	}
	id, ok := body[field].(string)
	return id, ok && id != ""
}

func (s *FieldServer) equipmentFailureHandler(c *fiber.Ctx) error {
	s.mlCalls.Add(1)
	id, ok := idField(c, "equipment_id")
	if !ok {
		return validationError(c, "equipment_id")
	}
	return c.JSON(fiber.Map{
		"equipment_id":           id,
		"failure_probability":    0.15,
		"predicted_failure_date": nil,
		"confidence":             0.82,
		"risk_level":             "low",
		"recommended_action":     "Continue normal monitoring",
		"contributing_factors":   []string{"Normal wear and tear", "Age: 2.5 years"},
	})
}

func (s *FieldServer) productionHandler(c *fiber.Ctx) error {
	s.mlCalls.Add(1)
	id, ok := idField(c, "well_id")
	if !ok {
		return validationError(c, "well_id")
	}
	return c.JSON(fiber.Map{
		"well_id": id,
		"recommended_changes": fiber.Map{
			"pump_speed":    "increase by 10%",
			"choke_setting": "open by 5%",
		},
		"expected_improvement": 8.5,
		"confidence":           0.76,
	})
}

func (s *FieldServer) anomalyHandler(c *fiber.Ctx) error {
	s.mlCalls.Add(1)
	id, ok := idField(c, "well_id")
	if !ok {
		return validationError(c, "well_id")
	}
	return c.JSON(fiber.Map{
		"well_id":                   id,
		"anomalies_detected":        []interface{}{},
		"severity":                  "low",
		"recommended_investigation": "No anomalies detected",
	})
}

// degrade applies the configured latency and failure injection. It returns
// true when the request was answered with an injected failure.
func (s *FieldServer) degrade(c *fiber.Ctx) (bool, error) {
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	if s.cfg.FailRate <= 0 {
		return false, nil
	}

	s.rngMu.Lock()
	fail := s.rng.Float64() < s.cfg.FailRate
	s.rngMu.Unlock()

	if !fail {
		return false, nil
	}
	s.injected.Add(1)
	return true, c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "injected failure",
	})
}

func (s *FieldServer) readingsHandler(c *fiber.Ctx) error {
	tenant := c.Get("X-Tenant-ID")
	if tenant == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Tenant-ID header is required"})
	}
	if failed, err := s.degrade(c); failed {
		return err
	}

	payload, err := s.body(c)
	if err != nil {
		s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var readings []models.Reading
	if err := decodeOneOrMany(payload, isMsgpack(c), &readings); err != nil {
		s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("invalid payload: %v", err)})
	}
	for _, r := range readings {
		if err := r.Validate(); err != nil {
			s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	n := int64(len(readings))
	s.count(tenant, func(t *TenantCounts) { t.Readings += n })
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"accepted": n})
}

func (s *FieldServer) fieldDataHandler(c *fiber.Ctx) error {
	tenant := c.Get("X-Tenant-ID")
	if tenant == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "X-Tenant-ID header is required"})
	}
	if failed, err := s.degrade(c); failed {
		return err
	}

	payload, err := s.body(c)
	if err != nil {
		s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var entries []models.MobileEntry
	if err := decodeOneOrMany(payload, isMsgpack(c), &entries); err != nil {
		s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("invalid payload: %v", err)})
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			s.count(tenant, func(t *TenantCounts) { t.Rejected++ })
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	n := int64(len(entries))
	s.count(tenant, func(t *TenantCounts) { t.Entries += n })
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"accepted": n})
}

func (s *FieldServer) statsHandler(c *fiber.Ctx) error {
	tenants, readings, entries := s.Counts()
	return c.JSON(fiber.Map{
		"uptime_sec":        time.Since(s.started).Seconds(),
		"total_readings":    readings,
		"total_entries":     entries,
		"failures_injected": s.injected.Load(),
		"ml_calls":          s.mlCalls.Load(),
		"tenants":           tenants,
	})
}

func (s *FieldServer) count(tenant string, fn func(*TenantCounts)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenant]
	if !ok {
		t = &TenantCounts{}
		s.tenants[tenant] = t
	}
	fn(t)
}

// Counts returns a copy of per-tenant counts and the accepted totals
func (s *FieldServer) Counts() (map[string]TenantCounts, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]TenantCounts, len(s.tenants))
	var readings, entries int64
	for id, t := range s.tenants {
		out[id] = *t
		readings += t.Readings
		entries += t.Entries
	}
	return out, readings, entries
}

// body returns the request payload, decompressed per Content-Encoding
func (s *FieldServer) body(c *fiber.Ctx) ([]byte, error) {
	raw := c.Request().Body()
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch strings.ToLower(c.Get("Content-Encoding")) {
	case "", "identity":
		return raw, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid gzip compression: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, s.cfg.MaxPayloadSize)
	case "zstd":
		out, err := s.zstdDec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd compression: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", c.Get("Content-Encoding"))
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if int64(len(out)) > max {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", max)
	}
	return out, nil
}

func isMsgpack(c *fiber.Ctx) bool {
	ct := strings.ToLower(c.Get("Content-Type"))
	return strings.Contains(ct, "msgpack")
}

// decodeOneOrMany decodes either a single object or an array into out,
// which must point to a slice
func decodeOneOrMany[T any](payload []byte, msgpackBody bool, out *[]T) error {
	if msgpackBody {
		if isMsgpackArray(payload[0]) {
			return msgpack.Unmarshal(payload, out)
		}
		var one T
		if err := msgpack.Unmarshal(payload, &one); err != nil {
			return err
		}
		*out = append(*out, one)
		return nil
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*out = append(*out, one)
	return nil
}

// isMsgpackArray reports whether b starts a msgpack array
func isMsgpackArray(b byte) bool {
	return b&0xf0 == 0x90 || b == 0xdc || b == 0xdd
}

// Shutdown stops the server and releases the decoder
func (s *FieldServer) Shutdown(ctx context.Context) error {
	defer s.zstdDec.Close()
	return s.server.Shutdown(ctx)
}
