package pricing

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

// RemoteSource asks a pricing-server for offers.
type RemoteSource struct {
	endpoint   string
	httpClient *http.Client
}

func NewRemoteSource(endpoint string, timeout time.Duration) *RemoteSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSource{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *RemoteSource) Name() string {
	return "remote"
}

func (r *RemoteSource) Offer(ctx context.Context, q Query) (InstanceOffer, error) {
	body, err := json.Marshal(PriceRequest{
		Region:          q.Region,
		InstanceType:    q.InstanceType,
		OperatingSystem: q.os(),
		VCPU:            q.VCPU,
		MemoryGiB:       q.MemoryGiB,
	})
	if err != nil {
		return InstanceOffer{}, fmt.Errorf("%w: %v", ErrPriceSource, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/api/pricing", bytes.NewReader(body))
	if err != nil {
		return InstanceOffer{}, fmt.Errorf("%w: %v", ErrPriceSource, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return InstanceOffer{}, fmt.Errorf("%w: %v", ErrPriceSource, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return InstanceOffer{}, fmt.Errorf("%w: pricing server: %s", ErrPriceUnavailable, readError(resp.Body))
	default:
		return InstanceOffer{}, fmt.Errorf("%w: pricing server returned status %d: %s", ErrPriceSource, resp.StatusCode, readError(resp.Body))
	}

	var out PriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return InstanceOffer{}, fmt.Errorf("%w: malformed pricing server response: %v", ErrPriceSource, err)
	}
	return InstanceOffer{
		InstanceType:    out.InstanceType,
		Region:          out.Region,
		OperatingSystem: out.OperatingSystem,
		HourlyPrice:     out.InstanceCostPerHour,
		VCPU:            out.VCPUCount,
		MemoryGiB:       out.MemoryGiB,
		FetchedAt:       out.FetchedAt,
		Stale:           out.Stale,
	}, nil
}

func readError(body io.Reader) string {
	var e errorResponse
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
