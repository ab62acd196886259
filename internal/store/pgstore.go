package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// PGStore persists records in Postgres with pgvector, for deployments
// that want the durability and query surface of a relational database
// instead of an embedded one.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore connects to Postgres. The caller is expected to have run
// a migration creating the records table and its embedding column as
// a pgvector `vector(dim)`.
func NewPGStore(ctx context.Context, connStr string) (*PGStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Put(ctx context.Context, r record.Record) error {
	embJSON, _ := json.Marshal(r.Embedding)
	tagsJSON, _ := json.Marshal(r.Tags)
	provJSON, _ := json.Marshal(r.Provenance)
	metaJSON, _ := json.Marshal(r.Metadata)
	_, err := s.db.Exec(ctx, `
		INSERT INTO records (id, content, kind, created_at, tokens, embedding,
			importance, access_count, last_access_at, tags, provenance,
			compression_level, archived, metadata)
		VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8,$9,$10::jsonb,$11::jsonb,$12,$13,$14::jsonb)
	`, string(r.ID), r.Content, string(r.Kind), r.CreatedAt, r.Tokens, vectorLiteral(embJSON),
		r.Importance, r.AccessCount, r.LastAccessAt, tagsJSON, provJSON,
		r.CompressionLevel, r.Archived, metaJSON)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id record.ID) (record.Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, content, kind, created_at, tokens, embedding::text, importance,
			access_count, last_access_at, tags::text, provenance::text,
			compression_level, archived, metadata::text
		FROM records WHERE id = $1
	`, string(id))
	return scanRecord(row)
}

func (s *PGStore) UpdateMetadata(ctx context.Context, id record.ID, fn func(*record.Record)) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(&r)
	tagsJSON, _ := json.Marshal(r.Tags)
	metaJSON, _ := json.Marshal(r.Metadata)
	_, err = s.db.Exec(ctx, `
		UPDATE records SET importance=$2, access_count=$3, last_access_at=$4,
			tags=$5::jsonb, compression_level=$6, metadata=$7::jsonb
		WHERE id=$1
	`, string(id), r.Importance, r.AccessCount, r.LastAccessAt, tagsJSON, r.CompressionLevel, metaJSON)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) Archive(ctx context.Context, id record.ID) error {
	_, err := s.db.Exec(ctx, `UPDATE records SET archived = true WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("archive record %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) IterateRecent(ctx context.Context, limit int, fn func(record.Record) bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, content, kind, created_at, tokens, embedding::text, importance,
			access_count, last_access_at, tags::text, provenance::text,
			compression_level, archived, metadata::text
		FROM records WHERE archived = false ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return fmt.Errorf("iterate recent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if !fn(r) {
			break
		}
	}
	return rows.Err()
}

func (s *PGStore) ScanCandidates(ctx context.Context, fn func(record.Record) bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, content, kind, created_at, tokens, embedding::text, importance,
			access_count, last_access_at, tags::text, provenance::text,
			compression_level, archived, metadata::text
		FROM records WHERE archived = false ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("scan candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if !fn(r) {
			break
		}
	}
	return rows.Err()
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM records WHERE archived = false`).Scan(&n)
	return n, err
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Record, error) {
	var r record.Record
	var id, kind string
	var embText, tagsText, provText, metaText string
	if err := row.Scan(&id, &r.Content, &kind, &r.CreatedAt, &r.Tokens, &embText, &r.Importance,
		&r.AccessCount, &r.LastAccessAt, &tagsText, &provText,
		&r.CompressionLevel, &r.Archived, &metaText); err != nil {
		if err == pgx.ErrNoRows {
			return record.Record{}, fmt.Errorf("record %s not found", id)
		}
		return record.Record{}, fmt.Errorf("scan record: %w", err)
	}
	r.ID = record.ID(id)
	r.Kind = record.Kind(kind)
	r.Embedding = parseVectorText(embText)
	_ = json.Unmarshal([]byte(tagsText), &r.Tags)
	var provIDs []string
	_ = json.Unmarshal([]byte(provText), &provIDs)
	for _, p := range provIDs {
		r.Provenance = append(r.Provenance, record.ID(p))
	}
	_ = json.Unmarshal([]byte(metaText), &r.Metadata)
	return r, nil
}

// vectorLiteral turns a JSON float array into pgvector's "[v1,v2,...]" input literal.
func vectorLiteral(jsonArr []byte) string {
	s := strings.TrimSpace(string(jsonArr))
	if s == "" || s == "null" {
		return "[]"
	}
	return s
}

func parseVectorText(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		_, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		if err != nil {
			continue
		}
		out = append(out, float32(f))
	}
	return out
}
