package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/pkg/models"
)

// Paths on the ingestion API
const (
	ReadingsPath  = "/api/scada/readings"
	FieldDataPath = "/api/field-data"
	TenantHeader  = "X-Tenant-ID"
)

// Content types for request bodies
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// HTTPConfig configures the HTTP ingestion sink
type HTTPConfig struct {
	BaseURL     string
	TenantID    string
	Encoding    string // json, msgpack
	Compression string // none, gzip, zstd
	Timeout     time.Duration
}

// HTTPTransport posts each reading or entry to the ingestion API
type HTTPTransport struct {
	cfg      HTTPConfig
	client   *http.Client
	logger   zerolog.Logger
	readings string
	entries  string

	gzipPool sync.Pool
	zstdEnc  *zstd.Encoder
}

// NewHTTPTransport validates the endpoint and checks that its host accepts
// TCP connections
func NewHTTPTransport(ctx context.Context, cfg HTTPConfig, client *http.Client, logger zerolog.Logger) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}
	if client == nil {
		client = &http.Client{}
	}

	t := &HTTPTransport{
		cfg:      cfg,
		client:   client,
		logger:   logger.With().Str("sink", "http").Logger(),
		readings: base.String() + ReadingsPath,
		entries:  base.String() + FieldDataPath,
	}

	switch cfg.Compression {
	case "gzip":
		t.gzipPool.New = func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		}
	case "zstd":
		t.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	if err := dialCheck(ctx, base, cfg.Timeout); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("endpoint", base.String()).
		Str("encoding", cfg.Encoding).
		Str("compression", cfg.Compression).
		Msg("HTTP sink initialized")

	return t, nil
}

func dialCheck(ctx context.Context, base *url.URL, timeout time.Duration) error {
	host := base.Host
	if base.Port() == "" {
		port := "80"
		if base.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(base.Hostname(), port)
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ingest.ErrConnection, host, err)
	}
	return conn.Close()
}

func (t *HTTPTransport) SendReading(ctx context.Context, r models.Reading) error {
	return t.post(ctx, t.readings, r)
}

func (t *HTTPTransport) SendEntry(ctx context.Context, e models.MobileEntry) error {
	return t.post(ctx, t.entries, e)
}

func (t *HTTPTransport) post(ctx context.Context, target string, v interface{}) error {
	body, contentType, err := t.encode(v)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ingest.ErrRejected, err)
	}

	body, encoding, err := t.compress(body)
	if err != nil {
		return fmt.Errorf("%w: compress: %v", ingest.ErrRejected, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrRejected, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(TenantHeader, t.cfg.TenantID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return httpTransportError(err)
	}
	defer resp.Body.Close()

	return statusError(resp)
}

func (t *HTTPTransport) encode(v interface{}) ([]byte, string, error) {
	if t.cfg.Encoding == "msgpack" {
		b, err := msgpack.Marshal(v)
		return b, ContentTypeMsgpack, err
	}
	b, err := json.Marshal(v)
	return b, ContentTypeJSON, err
}

func (t *HTTPTransport) compress(body []byte) ([]byte, string, error) {
	switch t.cfg.Compression {
	case "gzip":
		var buf bytes.Buffer
		zw := t.gzipPool.Get().(*gzip.Writer)
		defer t.gzipPool.Put(zw)
		zw.Reset(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		return t.zstdEnc.EncodeAll(body, make([]byte, 0, len(body))), "zstd", nil
	}
	return body, "", nil
}

// statusError maps a response to nil, a rejection (4xx) or an unavailable sink (5xx)
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ingest.ErrUnavailable, resp.StatusCode, detail)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ingest.ErrRejected, resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: status %d: %s", ingest.ErrUnavailable, resp.StatusCode, detail)
}

// httpTransportError keeps net errors classifiable and marks the rest as
// connection failures
func httpTransportError(err error) error {
	switch ingest.Classify(err) {
	case ingest.ReasonTimeout, ingest.ReasonConnection:
		return err
	}
	return fmt.Errorf("%w: %v", ingest.ErrConnection, err)
}

func (t *HTTPTransport) Close() error {
	if t.zstdEnc != nil {
		t.zstdEnc.Close()
	}
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) Name() string { return "http" }
