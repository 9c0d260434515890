package connectivity

import (
	"context"
	"net/http"
	"time"
)

// HTTPProbe classifies reachability by round-tripping a small request to
// the portal's health endpoint. Unreachable means none; a slow answer
// means poor; a prompt answer means good.
type HTTPProbe struct {
	url        string
	slowAfter  time.Duration
	httpClient *http.Client
}

func NewHTTPProbe(url string, timeout, slowAfter time.Duration) *HTTPProbe {
	return &HTTPProbe{
		url:       url,
		slowAfter: slowAfter,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *HTTPProbe) Check(ctx context.Context) Quality {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return QualityNone
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return QualityNone
	}
	resp.Body.Close()

	// Any HTTP answer proves the network path; the status code is the
	// portal's business, not the radio's.
	if time.Since(start) > p.slowAfter {
		return QualityPoor
	}
	return QualityGood
}
