package druid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/araddon/dateparse"

	"github.com/caravel-bi/caravel/internal/domain"
)

// Client is the subset of the Druid HTTP API the query path and metadata
// refresh need. The broker serves queries, the coordinator serves the
// datasource inventory.
type Client interface {
	GroupBy(ctx context.Context, q *GroupByQuery) ([]GroupByRow, error)
	TimeBoundary(ctx context.Context, datasource string) (minTime, maxTime time.Time, err error)
	SegmentMetadata(ctx context.Context, datasource, intervals string) ([]SegmentMetadata, error)
	Datasources(ctx context.Context) ([]string, error)
}

// HTTPClient talks to one cluster's broker and coordinator.
type HTTPClient struct {
	cluster *domain.DruidCluster
	http    *http.Client
}

// NewHTTPClient builds a client for the cluster with a bounded per-call
// timeout.
func NewHTTPClient(cluster *domain.DruidCluster, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{cluster: cluster, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) post(ctx context.Context, url string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ErrQuery(fmt.Errorf("druid cluster %q unreachable: %w", c.cluster.ClusterName, err), string(raw))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ErrQuery(
			fmt.Errorf("druid returned %d: %s", resp.StatusCode, string(payload)), string(raw))
	}
	return json.Unmarshal(payload, out)
}

func (c *HTTPClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ErrQuery(fmt.Errorf("druid cluster %q unreachable: %w", c.cluster.ClusterName, err), url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.ErrQuery(fmt.Errorf("druid returned %d", resp.StatusCode), url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GroupBy posts a groupBy query to the broker.
func (c *HTTPClient) GroupBy(ctx context.Context, q *GroupByQuery) ([]GroupByRow, error) {
	var rows []GroupByRow
	if err := c.post(ctx, c.cluster.BrokerBase(), q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// TimeBoundary returns the datasource's min and max event times.
func (c *HTTPClient) TimeBoundary(ctx context.Context, datasource string) (time.Time, time.Time, error) {
	body := map[string]any{"queryType": "timeBoundary", "dataSource": datasource}
	var results []struct {
		Result struct {
			MinTime string `json:"minTime"`
			MaxTime string `json:"maxTime"`
		} `json:"result"`
	}
	if err := c.post(ctx, c.cluster.BrokerBase(), body, &results); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(results) == 0 {
		return time.Time{}, time.Time{}, nil
	}
	minT, err := dateparse.ParseAny(results[0].Result.MinTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	maxT, err := dateparse.ParseAny(results[0].Result.MaxTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return minT, maxT, nil
}

// SegmentMetadata returns column analyses for the datasource over the
// given interval.
func (c *HTTPClient) SegmentMetadata(ctx context.Context, datasource, intervals string) ([]SegmentMetadata, error) {
	body := map[string]any{
		"queryType":  "segmentMetadata",
		"dataSource": datasource,
		"intervals":  []string{intervals},
	}
	var out []SegmentMetadata
	if err := c.post(ctx, c.cluster.BrokerBase(), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Datasources lists datasource names known to the coordinator.
func (c *HTTPClient) Datasources(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.get(ctx, c.cluster.CoordinatorBase()+"/datasources", &names); err != nil {
		return nil, err
	}
	return names, nil
}
