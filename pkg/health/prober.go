package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Prober executes one check attempt and reports raw metrics plus supporting
// evidence (a response snippet).
type Prober interface {
	Probe(ctx context.Context, spec Spec) (metrics map[string]float64, evidence string, err error)
}

const evidenceLimit = 512

// HTTPProber probes HTTP targets. It records status_code and latency_ms, and
// folds top-level numeric fields of a JSON response body into the metric set,
// so application endpoints can export business metrics directly.
type HTTPProber struct {
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint
}

// NewHTTPProber builds a prober. probesPerSecond bounds the request rate
// across the whole batch so a large spec set cannot stampede one target.
func NewHTTPProber(client *http.Client, probesPerSecond float64, maxRetries uint) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if probesPerSecond <= 0 {
		probesPerSecond = 50
	}
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &HTTPProber{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(probesPerSecond), int(probesPerSecond)),
		maxRetries: maxRetries,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, spec Spec) (map[string]float64, string, error) {
	type probeOut struct {
		metrics  map[string]float64
		evidence string
	}
	operation := func() (probeOut, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return probeOut{}, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Target.URL, nil)
		if err != nil {
			return probeOut{}, backoff.Permanent(fmt.Errorf("build probe request: %w", err))
		}
		start := time.Now()
		resp, err := p.client.Do(req)
		if err != nil {
			return probeOut{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		latency := time.Since(start)

		metrics := map[string]float64{
			"status_code": float64(resp.StatusCode),
			"latency_ms":  float64(latency.Milliseconds()),
		}
		var parsed map[string]any
		if json.Unmarshal(body, &parsed) == nil {
			for k, v := range parsed {
				if f, ok := v.(float64); ok {
					metrics[k] = f
				}
			}
		}
		out := probeOut{metrics: metrics, evidence: snippet(body)}
		if resp.StatusCode >= 500 {
			// Server errors are retryable within the check's timeout.
			return out, fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.maxRetries))
	if err != nil {
		return nil, "", err
	}
	return out.metrics, out.evidence, nil
}

// TCPProber probes raw TCP reachability, recording connect latency.
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber builds a TCP prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{dialer: &net.Dialer{}}
}

func (p *TCPProber) Probe(ctx context.Context, spec Spec) (map[string]float64, string, error) {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", spec.Target.Addr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	_ = conn.Close()
	return map[string]float64{
		"connect_ms": float64(time.Since(start).Milliseconds()),
	}, "tcp connect ok", nil
}

// ProberFor selects the prober for a target kind.
func ProberFor(spec Spec, httpProber *HTTPProber, tcpProber *TCPProber) Prober {
	if spec.Target.Kind == "tcp" {
		return tcpProber
	}
	return httpProber
}

func snippet(body []byte) string {
	if len(body) > evidenceLimit {
		body = body[:evidenceLimit]
	}
	return string(body)
}
