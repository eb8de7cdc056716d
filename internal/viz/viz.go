// Package viz runs visualization queries through the cache-wrapped
// explore path: resolve the datasource, gate access, consult the result
// cache, and only then hit the backend.
package viz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/caravel-bi/caravel/internal/cache"
	"github.com/caravel-bi/caravel/internal/datasource"
	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/security"
)

// Payload is the explore response envelope. IsCached marks a cache hit;
// CacheKey is returned either way so clients can force a refresh of the
// same slot.
type Payload struct {
	CacheKey     string              `json:"cache_key"`
	IsCached     bool                `json:"is_cached"`
	CachedDttm   time.Time           `json:"cached_dttm,omitzero"`
	CacheTimeout int                 `json:"cache_timeout"`
	Query        string              `json:"query"`
	Status       string              `json:"status"`
	Error        string              `json:"error,omitempty"`
	Data         *domain.ResultFrame `json:"data,omitempty"`
}

// cacheEntry is the stored form of a successful payload.
type cacheEntry struct {
	CachedDttm time.Time           `json:"cached_dttm"`
	Query      string              `json:"query"`
	Data       *domain.ResultFrame `json:"data"`
}

// Service composes the datasource registry, the access predicate, and
// the result cache into the run-visualization path.
type Service struct {
	Registry   *datasource.Registry
	Security   *security.Service
	Cache      cache.Store
	DefaultTTL time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunOptions carries the per-call knobs. A saved slice contributes its id
// to the cache key and its cache_timeout to the TTL hierarchy; ad-hoc
// exploration leaves both zero.
type RunOptions struct {
	Force             bool
	SliceID           int64
	SliceCacheTimeout int
}

// Run executes a visualization request against the identified datasource.
// Access is checked before the cache is consulted. With force the cache
// read is skipped but a successful result still refreshes the slot.
// Backend failures come back as a failed payload, never as a cached one.
func (s *Service) Run(ctx context.Context, id domain.Identity, typeTag string, dsID int64, req *domain.QueryRequest, opts RunOptions) (*Payload, error) {
	ds, err := s.Registry.GetEager(ctx, typeTag, dsID)
	if err != nil {
		return nil, err
	}
	if err := s.Security.CheckDatasourceAccess(ctx, id, ds); err != nil {
		return nil, err
	}
	if err := s.Security.CheckMetricAccess(ctx, id, ds, req.Metrics); err != nil {
		return nil, err
	}
	if _, err := req.Normalize(); err != nil {
		return nil, err
	}

	key := requestKey(typeTag, dsID, opts.SliceID, req)
	ttl := cache.ResolveTTL(opts.SliceCacheTimeout, ds.CacheTimeout(), 0, s.DefaultTTL)
	payload := &Payload{
		CacheKey:     key,
		CacheTimeout: int(ttl / time.Second),
	}

	if !opts.Force {
		if raw, ok := s.Cache.Get(key); ok {
			var entry cacheEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				payload.IsCached = true
				payload.CachedDttm = entry.CachedDttm
				payload.Query = entry.Query
				payload.Status = domain.StatusSuccess
				payload.Data = entry.Data
				return payload, nil
			}
			s.logger().Warn("dropping unreadable cache entry", slog.String("key", key))
		}
	}

	frame, err := ds.Query(ctx, req)
	if err != nil {
		payload.Status = domain.StatusFailed
		payload.Error = err.Error()
		var noData *domain.NoDataError
		if errors.As(err, &noData) {
			payload.Query = noData.Query
		}
		return payload, nil
	}

	payload.Status = domain.StatusSuccess
	payload.Query = frame.Query
	payload.Data = frame

	// Only successful, non-empty results are cached.
	if !frame.Empty() {
		payload.CachedDttm = s.now()
		raw, err := json.Marshal(cacheEntry{
			CachedDttm: payload.CachedDttm,
			Query:      frame.Query,
			Data:       frame,
		})
		if err != nil {
			s.logger().Warn("could not serialize payload for caching",
				slog.String("key", key), slog.Any("error", err))
		} else {
			s.Cache.Set(key, raw, ttl)
		}
	}
	return payload, nil
}

// requestKey fingerprints the request the same way regardless of field
// order or the force flag.
func requestKey(typeTag string, dsID, sliceID int64, req *domain.QueryRequest) string {
	form := url.Values{}
	form.Set("datasource_type", typeTag)
	form.Set("datasource_id", strconv.FormatInt(dsID, 10))
	if sliceID != 0 {
		form.Set("slice_id", strconv.FormatInt(sliceID, 10))
	}
	if encoded, err := json.Marshal(req); err == nil {
		form.Set("form_data", string(encoded))
	}
	return cache.Key(fmt.Sprintf("/caravel/explore/%s/%d/", typeTag, dsID), form)
}
