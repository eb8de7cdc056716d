package api

import (
	"net/http"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/viz"
)

// exploreRequest is the wire form of a visualization query, mirroring the
// explore form data the controller layer submits.
type exploreRequest struct {
	Groupby     []string `json:"groupby"`
	Metrics     []string `json:"metrics"`
	Columns     []string `json:"columns"`
	Granularity string   `json:"granularity"`

	Since      string `json:"since"`
	Until      string `json:"until"`
	InnerSince string `json:"inner_since"`
	InnerUntil string `json:"inner_until"`

	Filters []struct {
		Col    string   `json:"col"`
		Op     string   `json:"op"`
		Val    string   `json:"val"`
		Values []string `json:"vals"`
	} `json:"filters"`

	IsTimeseries    bool `json:"is_timeseries"`
	TimeseriesLimit int  `json:"timeseries_limit"`
	RowLimit        int  `json:"row_limit"`

	OrderBy [][2]string `json:"order_by"`

	Where           string `json:"where"`
	Having          string `json:"having"`
	TimeGrain       string `json:"time_grain_sqla"`
	DruidTimeOrigin string `json:"druid_time_origin"`

	SliceID           int64 `json:"slice_id"`
	SliceCacheTimeout int   `json:"slice_cache_timeout"`
	Force             bool  `json:"force"`
}

func (er *exploreRequest) toDomain(now time.Time, defaultRowLimit int) (*domain.QueryRequest, error) {
	from, to, err := domain.ParseSinceUntil(er.Since, er.Until, now)
	if err != nil {
		return nil, err
	}
	req := &domain.QueryRequest{
		Groupby:         er.Groupby,
		Metrics:         er.Metrics,
		Columns:         er.Columns,
		Granularity:     er.Granularity,
		FromDttm:        from,
		ToDttm:          to,
		IsTimeseries:    er.IsTimeseries,
		TimeseriesLimit: er.TimeseriesLimit,
		RowLimit:        er.RowLimit,
		Extras: domain.Extras{
			Where:           er.Where,
			Having:          er.Having,
			TimeGrainSQLA:   er.TimeGrain,
			DruidTimeOrigin: er.DruidTimeOrigin,
		},
	}
	if er.InnerSince != "" || er.InnerUntil != "" {
		innerFrom, innerTo, err := domain.ParseSinceUntil(er.InnerSince, er.InnerUntil, now)
		if err != nil {
			return nil, err
		}
		req.InnerFromDttm = innerFrom
		req.InnerToDttm = innerTo
	}
	for _, f := range er.Filters {
		req.Filters = append(req.Filters, domain.Filter{
			Col: f.Col, Op: f.Op, Val: f.Val, Values: f.Values,
		})
	}
	for _, o := range er.OrderBy {
		req.OrderBy = append(req.OrderBy, domain.OrderSpec{
			Col:       o[0],
			Ascending: o[1] == "asc",
		})
	}
	if req.RowLimit == 0 {
		req.RowLimit = defaultRowLimit
	}
	return req, nil
}

// Explore runs a visualization query through the cache-wrapped path.
func (h *Handler) Explore(w http.ResponseWriter, r *http.Request) {
	typeTag, dsID, err := datasourceParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var body exploreRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	req, err := body.toDomain(time.Now(), h.DefaultRowLimit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	payload, err := h.Viz.Run(r.Context(), identityFrom(r), typeTag, dsID, req, viz.RunOptions{
		Force:             body.Force,
		SliceID:           body.SliceID,
		SliceCacheTimeout: body.SliceCacheTimeout,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
