package sqllab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/engines"
)

// Payload is the caller-facing result envelope of a SQL Lab run.
type Payload struct {
	QueryID int64    `json:"query_id"`
	Status  string   `json:"status"`
	Columns []string `json:"columns,omitempty"`
	Data    [][]any  `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Opener dials a pool for a database record.
type Opener func(ctx context.Context, db *domain.Database) (*sql.DB, error)

// Executor drives persisted Query records to completion, synchronously or
// on background goroutines.
type Executor struct {
	Queries   domain.QueryRepository
	Databases domain.DatabaseRepository
	Open      Opener
	Results   ResultsBackend
	// TemplateExtra is merged into every template's binding set.
	TemplateExtra map[string]any
	// Timeout bounds synchronous execution; zero disables the guard.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time

	cancels sync.Map
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) open(ctx context.Context, db *domain.Database) (*sql.DB, error) {
	if e.Open != nil {
		return e.Open(ctx, db)
	}
	return engines.Open(ctx, db)
}

func (e *Executor) update(ctx context.Context, q *domain.Query) {
	q.ChangedOn = e.now()
	if err := e.Queries.Update(ctx, q); err != nil {
		e.logger().Error("failed to persist query state",
			slog.Int64("query_id", q.ID),
			slog.Any("error", err))
	}
}

func (e *Executor) fail(ctx context.Context, q *domain.Query, status, message string) *Payload {
	q.Status = status
	q.ErrorMessage = message
	q.EndTime = e.now()
	e.update(ctx, q)
	return &Payload{QueryID: q.ID, Status: status, Error: message}
}

// Run executes the persisted query. It is idempotent: a query past PENDING
// is not re-executed and its current status is returned instead.
func (e *Executor) Run(ctx context.Context, queryID int64, returnResults bool) (*Payload, error) {
	q, err := e.Queries.GetByID(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.StatusPending {
		return &Payload{QueryID: q.ID, Status: q.Status, Error: q.ErrorMessage}, nil
	}
	db, err := e.Databases.GetByID(ctx, q.DatabaseID)
	if err != nil {
		return e.fail(ctx, q, domain.StatusFailed, err.Error()), nil
	}

	rendered, err := Render(q.SQL, TemplateContext{
		Schema:   q.Schema,
		Database: db,
		Extra:    e.TemplateExtra,
		Now:      e.Now,
	})
	if err != nil {
		return e.fail(ctx, q, domain.StatusFailed, err.Error()), nil
	}

	isSelect := IsSelect(rendered)
	if !isSelect && !db.AllowDML {
		return e.fail(ctx, q, domain.StatusFailed, "Only `SELECT` statements are allowed against this database"), nil
	}

	executedSQL := rendered
	switch {
	case q.SelectAsCTA && isSelect:
		if !db.AllowCTAS {
			return e.fail(ctx, q, domain.StatusFailed, "CTAS is not allowed against this database"), nil
		}
		if IsMultiStatement(rendered) {
			return e.fail(ctx, q, domain.StatusFailed, "CTAS is not supported for multi-statement queries"), nil
		}
		if q.TmpTableName == "" {
			q.TmpTableName = domain.TmpTableFor(q.UserName, e.now())
		}
		if db.ForceCTASSchema != "" {
			q.TmpTableName = db.ForceCTASSchema + "." + q.TmpTableName
		}
		executedSQL = CreateTableAs(rendered, q.TmpTableName)
		q.SelectAsCTAUsed = true
	case isSelect && q.Limit > 0 && !IsMultiStatement(rendered):
		executedSQL = WrapSQLLimit(rendered, q.Limit)
		q.LimitUsed = true
	}

	pool, err := e.open(ctx, db)
	if err != nil {
		return e.fail(ctx, q, domain.StatusFailed, err.Error()), nil
	}

	q.ExecutedSQL = executedSQL
	q.Status = domain.StatusRunning
	q.StartTime = e.now()
	e.update(ctx, q)

	runCtx, cancel := context.WithCancel(ctx)
	if e.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	defer cancel()

	stopPolling := e.pollProgress(runCtx, q, db)

	rows, err := pool.QueryContext(runCtx, executedSQL)
	stopPolling()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.fail(ctx, q, domain.StatusTimedOut, "Query timed out"), nil
		}
		return e.fail(ctx, q, domain.StatusFailed, err.Error()), nil
	}
	defer rows.Close()

	frame, err := engines.ScanFrame(rows)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.fail(ctx, q, domain.StatusTimedOut, "Query timed out"), nil
		}
		return e.fail(ctx, q, domain.StatusFailed, err.Error()), nil
	}

	// Drivers that report rowcount -1 are covered by counting the frame.
	q.Rows = len(frame.Rows)
	q.Progress = 100
	q.Status = domain.StatusSuccess
	q.EndTime = e.now()
	if q.SelectAsCTAUsed {
		limit := q.Limit
		if limit == 0 {
			limit = 1000
		}
		q.SelectSQL = fmt.Sprintf("SELECT * FROM %s LIMIT %d", q.TmpTableName, limit)
	}

	payload := &Payload{
		QueryID: q.ID,
		Status:  domain.StatusSuccess,
		Columns: frame.Columns,
		Data:    frame.Rows,
	}
	if e.Results != nil {
		if q.ResultsKey == "" {
			q.ResultsKey = uuid.NewString()
		}
		raw, err := json.Marshal(payload)
		if err == nil {
			if err := e.Results.Store(ctx, q.ResultsKey, raw); err != nil {
				e.logger().Warn("failed to store results",
					slog.String("results_key", q.ResultsKey),
					slog.Any("error", err))
				q.ResultsKey = ""
			}
		}
	}
	e.update(ctx, q)

	if !returnResults {
		return &Payload{QueryID: q.ID, Status: domain.StatusSuccess}, nil
	}
	return payload, nil
}

// pollProgress starts the advisory progress loop for engines that expose
// one. The returned stop function halts the poller and waits for it to
// exit; until it is called the query record must not be written elsewhere.
func (e *Executor) pollProgress(ctx context.Context, q *domain.Query, db *domain.Database) func() {
	poller := engines.PollerFor(db.Backend(), coordinatorURL(db))
	if poller == nil {
		return func() {}
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Poll(pollCtx, func(percent int) {
			if percent > q.Progress {
				q.Progress = percent
				e.update(ctx, q)
			}
		})
	}()
	return func() {
		cancel()
		<-done
	}
}

// coordinatorURL derives the engine's HTTP stats endpoint from the
// connection URI host.
func coordinatorURL(db *domain.Database) string {
	u, err := url.Parse(db.URI)
	if err != nil || u.Host == "" {
		return ""
	}
	return "http://" + u.Host
}

// RunAsync launches the query on a background goroutine and returns the
// handle immediately. The result lands on the persisted row and in the
// results backend.
func (e *Executor) RunAsync(queryID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancels.Store(queryID, cancel)
	go func() {
		defer e.cancels.Delete(queryID)
		defer cancel()
		if _, err := e.Run(ctx, queryID, false); err != nil {
			e.logger().Error("async query failed",
				slog.Int64("query_id", queryID),
				slog.Any("error", err))
		}
	}()
}

// Stop cancels an in-flight async query, if any.
func (e *Executor) Stop(queryID int64) {
	if v, ok := e.cancels.Load(queryID); ok {
		v.(context.CancelFunc)()
	}
}

// FetchResults loads a completed query's payload from the results backend.
func (e *Executor) FetchResults(ctx context.Context, resultsKey string) (*Payload, error) {
	if e.Results == nil {
		return nil, domain.ErrNotFound("results backend is not configured")
	}
	raw, err := e.Results.Fetch(ctx, resultsKey)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
