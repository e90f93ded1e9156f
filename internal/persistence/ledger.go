package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/puter-bridge/internal/shared"
)

// Request statuses stored in the ledger.
const (
	RequestOK        = "ok"
	RequestExhausted = "exhausted"
	RequestError     = "error"
)

// maxStoredError bounds the error text kept per row.
const maxStoredError = 512

// RequestRecord is one gateway request and its final outcome.
type RequestRecord struct {
	ID               string
	TraceID          string
	Protocol         string
	RequestedModel   string
	UsedModel        string
	Account          string
	WasFallback      bool
	WasRotated       bool
	Stream           bool
	Status           string
	Error            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	CreatedAt        time.Time
}

// AttemptRecord is one candidate tried while serving a request.
type AttemptRecord struct {
	RequestID  string
	Seq        int
	Scope      string
	Candidate  string
	Account    string
	Success    bool
	ErrorType  string
	HTTPStatus int
	Duration   time.Duration
	Error      string
	CreatedAt  time.Time
}

// CandidateStat aggregates attempts for one candidate.
type CandidateStat struct {
	Scope       string
	Candidate   string
	Attempts    int
	Successes   int
	RateLimited int
	LastError   string
}

// SuccessRate is Successes/Attempts, or 0 with no attempts.
func (c CandidateStat) SuccessRate() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Attempts)
}

func cleanError(msg string) string {
	msg = shared.Redact(strings.TrimSpace(msg))
	if len(msg) > maxStoredError {
		msg = msg[:maxStoredError]
	}
	return msg
}

// RecordRequest writes a request and its attempts in one transaction.
func (s *Store) RecordRequest(ctx context.Context, req RequestRecord, attempts []AttemptRecord) error {
	if req.ID == "" {
		return fmt.Errorf("record request: id required")
	}
	if req.Status == "" {
		req.Status = RequestOK
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.CreatedAt = req.CreatedAt.UTC()

	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO requests (
				id, trace_id, protocol, requested_model, used_model, account,
				was_fallback, was_rotated, stream, status, error,
				prompt_tokens, completion_tokens, duration_ms, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			req.ID, req.TraceID, req.Protocol, req.RequestedModel, req.UsedModel, req.Account,
			boolToInt(req.WasFallback), boolToInt(req.WasRotated), boolToInt(req.Stream),
			req.Status, cleanError(req.Error),
			req.PromptTokens, req.CompletionTokens, req.Duration.Milliseconds(), req.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		for i, a := range attempts {
			seq := a.Seq
			if seq == 0 {
				seq = i + 1
			}
			created := a.CreatedAt
			if created.IsZero() {
				created = req.CreatedAt
			}
			created = created.UTC()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attempts (
					request_id, seq, scope, candidate, account, success,
					error_type, http_status, duration_ms, error, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`,
				req.ID, seq, a.Scope, a.Candidate, a.Account, boolToInt(a.Success),
				a.ErrorType, a.HTTPStatus, a.Duration.Milliseconds(), cleanError(a.Error), created,
			); err != nil {
				return fmt.Errorf("insert attempt %d: %w", seq, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit record tx: %w", err)
		}
		return nil
	})
}

// ListRequests returns the most recent requests, newest first.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, protocol, requested_model, used_model, account,
			was_fallback, was_rotated, stream, status, error,
			prompt_tokens, completion_tokens, duration_ms, created_at
		FROM requests
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var (
			r                                RequestRecord
			fallback, rotated, stream, durMs int64
		)
		if err := rows.Scan(
			&r.ID, &r.TraceID, &r.Protocol, &r.RequestedModel, &r.UsedModel, &r.Account,
			&fallback, &rotated, &stream, &r.Status, &r.Error,
			&r.PromptTokens, &r.CompletionTokens, &durMs, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.WasFallback = fallback != 0
		r.WasRotated = rotated != 0
		r.Stream = stream != 0
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests rows: %w", err)
	}
	return out, nil
}

// ListAttempts returns the attempts for one request in order.
func (s *Store) ListAttempts(ctx context.Context, requestID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, seq, scope, candidate, account, success,
			error_type, http_status, duration_ms, error, created_at
		FROM attempts
		WHERE request_id = ?
		ORDER BY seq ASC;
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			a              AttemptRecord
			success, durMs int64
		)
		if err := rows.Scan(
			&a.RequestID, &a.Seq, &a.Scope, &a.Candidate, &a.Account, &success,
			&a.ErrorType, &a.HTTPStatus, &durMs, &a.Error, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Success = success != 0
		a.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts rows: %w", err)
	}
	return out, nil
}

// CandidateStats aggregates attempts recorded at or after since, grouped by
// scope and candidate, busiest first.
func (s *Store) CandidateStats(ctx context.Context, since time.Time) ([]CandidateStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.scope, a.candidate,
			COUNT(*),
			COALESCE(SUM(a.success), 0),
			COALESCE(SUM(CASE WHEN a.error_type = 'rate-limit' THEN 1 ELSE 0 END), 0),
			COALESCE((
				SELECT b.error FROM attempts b
				WHERE b.scope = a.scope AND b.candidate = a.candidate AND b.success = 0
				ORDER BY b.created_at DESC, b.id DESC LIMIT 1
			), '')
		FROM attempts a
		WHERE a.created_at >= ?
		GROUP BY a.scope, a.candidate
		ORDER BY COUNT(*) DESC, a.candidate ASC;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("candidate stats: %w", err)
	}
	defer rows.Close()

	var out []CandidateStat
	for rows.Next() {
		var c CandidateStat
		if err := rows.Scan(&c.Scope, &c.Candidate, &c.Attempts, &c.Successes, &c.RateLimited, &c.LastError); err != nil {
			return nil, fmt.Errorf("scan candidate stat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate stats rows: %w", err)
	}
	return out, nil
}

// CountRequests returns the number of requests per status.
func (s *Store) CountRequests(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RunRetention deletes requests (and their attempts) older than days.
// days <= 0 keeps everything.
func (s *Store) RunRetention(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	var deleted int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("retention delete: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
