package audiocache

import (
	"context"
	"database/sql"
	"time"
)

// Entry is one cached synthesis result.
type Entry struct {
	ID        string
	Text      string
	Voice     string
	Payload   []byte
	Size      int64
	PlayCount int
	CreatedAt time.Time
}

// Stats describes the aggregate cache state.
type Stats struct {
	TotalBytes int64
	Entries    int
	Oldest     *time.Time
}

// store is the error-returning storage layer under Cache. The Cache
// adapter on top logs and defaults; this layer never swallows.
type store struct {
	db *sql.DB
}

func newStore(db *sql.DB) (*store, error) {
	s := &store{db: db}
	if err := s.initTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audio_cache (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		voice TEXT NOT NULL,
		payload BLOB NOT NULL,
		size INTEGER NOT NULL,
		play_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audio_cache_created ON audio_cache(created_at);
	CREATE INDEX IF NOT EXISTS idx_audio_cache_plays ON audio_cache(play_count);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *store) upsert(ctx context.Context, e Entry) error {
	query := `INSERT INTO audio_cache (id, text, voice, payload, size, play_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			voice = excluded.voice,
			payload = excluded.payload,
			size = excluded.size,
			created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Text, e.Voice, e.Payload, e.Size, e.PlayCount, e.CreatedAt.UTC())
	return err
}

func (s *store) get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT id, text, voice, payload, size, play_count, created_at
		FROM audio_cache WHERE id = ?`
	var e Entry
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.Text, &e.Voice, &e.Payload, &e.Size, &e.PlayCount, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) bumpPlayCount(ctx context.Context, id string) error {
	query := `UPDATE audio_cache SET play_count = play_count + 1 WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *store) totalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM audio_cache`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

type evictCandidate struct {
	id   string
	size int64
}

// evictionOrder returns all entries least-used first, oldest first on
// ties. The play_count and created_at indexes back this scan.
func (s *store) evictionOrder(ctx context.Context) ([]evictCandidate, error) {
	query := `SELECT id, size FROM audio_cache ORDER BY play_count ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evictCandidate
	for rows.Next() {
		var c evictCandidate
		if err := rows.Scan(&c.id, &c.size); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *store) remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache WHERE id = ?`, id)
	return err
}

func (s *store) removeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *store) stats(ctx context.Context) (Stats, error) {
	query := `SELECT COALESCE(SUM(size), 0), COUNT(*), MIN(created_at) FROM audio_cache`
	var st Stats
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.TotalBytes, &st.Entries, &oldest); err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		t := oldest.Time
		st.Oldest = &t
	}
	return st, nil
}

func (s *store) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache`)
	return err
}
