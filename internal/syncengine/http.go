package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPAdapter submits payloads to a portal gateway over a resumable
// octet-stream protocol. The checkpoint is the decimal count of payload
// bytes the gateway has durably received; each attempt uploads only the
// remainder. Portal-specific authentication wraps this adapter externally.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPConfig configures the portal gateway endpoint.
type HTTPConfig struct {
	BaseURL     string
	ConnTimeout time.Duration
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.ConnTimeout,
		},
	}
}

type portalErrorResponse struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

func (a *HTTPAdapter) Submit(ctx context.Context, sub Submission) (Result, error) {
	offset := decodeOffset(sub.Checkpoint)
	if offset > int64(len(sub.Payload)) {
		offset = 0 // stale checkpoint; retransmit from the start
	}

	url := fmt.Sprintf("%s/v1/submissions/%s", a.baseURL, sub.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(sub.Payload[offset:]))
	if err != nil {
		return Result{}, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Service-Type", sub.ServiceType)
	httpReq.Header.Set("X-Upload-Offset", strconv.FormatInt(offset, 10))
	if sub.Compact {
		httpReq.Header.Set("X-Prefer-Compact", "1")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// The connection dropped mid-upload. Ask the gateway how much it
		// kept so the next attempt resumes instead of retransmitting.
		if acked, probeErr := a.probeOffset(ctx, sub); probeErr == nil && acked > offset {
			return Result{Checkpoint: encodeOffset(acked)}, err
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Delivered: true}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var portalResp portalErrorResponse
	if err := json.Unmarshal(body, &portalResp); err != nil || portalResp.Err == "" {
		portalResp.Err = "unexpected_response"
		portalResp.Message = string(body)
	}

	return Result{}, &PortalError{
		Code:       portalResp.Err,
		Message:    portalResp.Message,
		StatusCode: resp.StatusCode,
	}
}

// probeOffset asks the gateway how many bytes of the submission it has
// durably received.
func (a *HTTPAdapter) probeOffset(ctx context.Context, sub Submission) (int64, error) {
	url := fmt.Sprintf("%s/v1/submissions/%s/offset", a.baseURL, sub.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("offset probe returned %d", resp.StatusCode)
	}

	var probe struct {
		Offset int64 `json:"offset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return 0, fmt.Errorf("decode offset probe: %w", err)
	}
	return probe.Offset, nil
}

func decodeOffset(checkpoint []byte) int64 {
	if len(checkpoint) == 0 {
		return 0
	}
	offset, err := strconv.ParseInt(string(checkpoint), 10, 64)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func encodeOffset(offset int64) []byte {
	return []byte(strconv.FormatInt(offset, 10))
}
