package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jguan/gametrans/pkg/offline"
)

// ModelRegistry persists offline model descriptors in the offline_models
// table.
type ModelRegistry struct {
	*Repo
}

var _ offline.Registry = (*ModelRegistry)(nil)

func NewModelRegistry(db *sql.DB) *ModelRegistry {
	return &ModelRegistry{NewRepo(db)}
}

func (r *ModelRegistry) LoadModels(ctx context.Context) ([]offline.Descriptor, error) {
	sqlStr, args, err := r.SQ.Select("source_lang", "target_lang", "name", "version", "installed",
		"accuracy_score", "usage_count", "last_used", "installed_at", "path", "size_bytes", "download_url").
		From("offline_models").
		OrderBy("pair").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query offline models: %w", err)
	}
	defer rows.Close()

	var out []offline.Descriptor
	for rows.Next() {
		var (
			d                offline.Descriptor
			lastUsed, instAt string
		)
		if err := rows.Scan(&d.SourceLang, &d.TargetLang, &d.Name, &d.Version, &d.Installed,
			&d.AccuracyScore, &d.UsageCount, &lastUsed, &instAt, &d.Path, &d.SizeBytes, &d.DownloadURL); err != nil {
			return nil, fmt.Errorf("scan offline model: %w", err)
		}
		d.LastUsed = parseTime(lastUsed)
		d.InstalledAt = parseTime(instAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *ModelRegistry) SaveModel(ctx context.Context, d offline.Descriptor) error {
	sqlStr, args, err := r.SQ.Insert("offline_models").
		Columns("pair", "source_lang", "target_lang", "name", "version", "installed", "accuracy_score",
			"usage_count", "last_used", "installed_at", "path", "size_bytes", "download_url", "updated_at").
		Values(d.Pair(), d.SourceLang, d.TargetLang, d.Name, d.Version, d.Installed, d.AccuracyScore,
			d.UsageCount, formatTime(d.LastUsed), formatTime(d.InstalledAt), d.Path, d.SizeBytes, d.DownloadURL,
			formatTime(time.Now())).
		Suffix("ON CONFLICT(pair) DO UPDATE SET name=excluded.name, version=excluded.version, " +
			"installed=excluded.installed, accuracy_score=excluded.accuracy_score, usage_count=excluded.usage_count, " +
			"last_used=excluded.last_used, installed_at=excluded.installed_at, path=excluded.path, " +
			"size_bytes=excluded.size_bytes, download_url=excluded.download_url, updated_at=excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save offline model %s: %w", d.Pair(), err)
	}
	return nil
}
