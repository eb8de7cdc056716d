package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
)

// ProgressPoller reports advisory execution progress for engines that
// expose it. Poll runs until the context is canceled or the engine stops
// reporting, invoking report with a 0-100 percentage. Progress never
// decreases.
type ProgressPoller interface {
	Poll(ctx context.Context, report func(percent int))
}

// PollerFor returns a poller for the engine, or nil when the engine has no
// progress surface.
func PollerFor(backend, coordinatorURL string) ProgressPoller {
	if backend == domain.EnginePresto && coordinatorURL != "" {
		return &prestoPoller{baseURL: coordinatorURL, client: &http.Client{Timeout: 5 * time.Second}}
	}
	return nil
}

// prestoPoller reads split counts from the Presto coordinator REST API.
type prestoPoller struct {
	baseURL string
	client  *http.Client
}

type prestoQueryInfo struct {
	State string `json:"state"`
	Stats struct {
		CompletedSplits int `json:"completedSplits"`
		TotalSplits     int `json:"totalSplits"`
	} `json:"stats"`
}

func (p *prestoPoller) Poll(ctx context.Context, report func(percent int)) {
	last := 0
	for {
		info, err := p.fetchRunning(ctx)
		if err != nil || info == nil {
			return
		}
		if info.Stats.TotalSplits > 0 {
			pct := info.Stats.CompletedSplits * 100 / info.Stats.TotalSplits
			if pct > last {
				last = pct
				report(pct)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// fetchRunning returns the first RUNNING query on the coordinator, nil when
// none remain.
func (p *prestoPoller) fetchRunning(ctx context.Context) (*prestoQueryInfo, error) {
	url := fmt.Sprintf("%s/v1/query?state=RUNNING", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}
	var infos []prestoQueryInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].State == "RUNNING" {
			return &infos[i], nil
		}
	}
	return nil, nil
}
