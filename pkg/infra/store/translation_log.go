package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jguan/gametrans/pkg/translation"
)

// DefaultReviewThreshold flags translations whose quality falls below it.
const DefaultReviewThreshold = 0.7

// LogRecord is one persisted translation.
type LogRecord struct {
	ID int64 `json:"id" yaml:"id"`
	translation.LogEntry
	NeedsReview bool `json:"needs_review" yaml:"needs_review"`
}

// LogStats summarizes the translation log.
type LogStats struct {
	Total            int64            `json:"total" yaml:"total"`
	NeedsReview      int64            `json:"needs_review" yaml:"needs_review"`
	AverageQuality   float64          `json:"average_quality" yaml:"average_quality"`
	AverageLatencyMs float64          `json:"average_latency_ms" yaml:"average_latency_ms"`
	ByMethod         map[string]int64 `json:"by_method" yaml:"by_method"`
}

// TranslationLog records every completed translation in the
// translation_log table.
type TranslationLog struct {
	*Repo
	reviewThreshold float64
}

func NewTranslationLog(db *sql.DB, reviewThreshold float64) *TranslationLog {
	if reviewThreshold <= 0 || reviewThreshold > 1 {
		reviewThreshold = DefaultReviewThreshold
	}
	return &TranslationLog{Repo: NewRepo(db), reviewThreshold: reviewThreshold}
}

func (l *TranslationLog) Log(ctx context.Context, e translation.LogEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := l.SQ.Insert("translation_log").
		Columns("request_id", "original_text", "translated_text", "source_lang", "target_lang",
			"method", "quality", "latency_ms", "context", "needs_review", "created_at").
		Values(e.RequestID, e.OriginalText, e.TranslatedText, e.SourceLang, e.TargetLang,
			e.Method, e.Quality, float64(e.Latency)/float64(time.Millisecond), e.Context,
			e.Quality < l.reviewThreshold, formatTime(created))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := l.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert translation log: %w", err)
	}
	return nil
}

// Recent returns the n newest records, newest first.
func (l *TranslationLog) Recent(ctx context.Context, n int) ([]LogRecord, error) {
	return l.list(ctx, nil, n)
}

// PendingReview returns up to n records flagged for review, newest first.
func (l *TranslationLog) PendingReview(ctx context.Context, n int) ([]LogRecord, error) {
	return l.list(ctx, sq.Eq{"needs_review": true}, n)
}

func (l *TranslationLog) list(ctx context.Context, where sq.Sqlizer, n int) ([]LogRecord, error) {
	q := l.SQ.Select("id", "request_id", "original_text", "translated_text", "source_lang", "target_lang",
		"method", "quality", "latency_ms", "context", "needs_review", "created_at").
		From("translation_log").
		OrderBy("id DESC")
	if where != nil {
		q = q.Where(where)
	}
	if n > 0 {
		q = q.Limit(uint64(n))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := l.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query translation log: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			r       LogRecord
			latency float64
			created string
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.OriginalText, &r.TranslatedText, &r.SourceLang, &r.TargetLang,
			&r.Method, &r.Quality, &latency, &r.Context, &r.NeedsReview, &created); err != nil {
			return nil, fmt.Errorf("scan translation log: %w", err)
		}
		r.Latency = time.Duration(latency * float64(time.Millisecond))
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReviewed clears the review flag of the given records.
func (l *TranslationLog) MarkReviewed(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return withTx(ctx, l.DB, func(tx *sql.Tx) error {
		for _, id := range ids {
			sqlStr, args, err := l.SQ.Update("translation_log").
				Set("needs_review", false).
				Where(sq.Eq{"id": id}).
				ToSql()
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, sqlStr, args...)
			if err != nil {
				return fmt.Errorf("mark reviewed %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("mark reviewed %d: no such record", id)
			}
		}
		return nil
	})
}

func (l *TranslationLog) Stats(ctx context.Context) (LogStats, error) {
	s := LogStats{ByMethod: make(map[string]int64)}

	sqlStr, args, err := l.SQ.Select(
		"COUNT(*)",
		"COALESCE(SUM(needs_review), 0)",
		"COALESCE(AVG(quality), 0)",
		"COALESCE(AVG(latency_ms), 0)",
	).From("translation_log").ToSql()
	if err != nil {
		return s, fmt.Errorf("build stats: %w", err)
	}
	if err := l.DB.QueryRowContext(ctx, sqlStr, args...).Scan(&s.Total, &s.NeedsReview, &s.AverageQuality, &s.AverageLatencyMs); err != nil {
		return s, fmt.Errorf("query stats: %w", err)
	}

	sqlStr, args, err = l.SQ.Select("method", "COUNT(*)").From("translation_log").GroupBy("method").ToSql()
	if err != nil {
		return s, fmt.Errorf("build method stats: %w", err)
	}
	rows, err := l.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return s, fmt.Errorf("query method stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			method string
			n      int64
		)
		if err := rows.Scan(&method, &n); err != nil {
			return s, fmt.Errorf("scan method stats: %w", err)
		}
		s.ByMethod[method] = n
	}
	return s, rows.Err()
}
