package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Repository is the PostgreSQL entity store
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			external_id VARCHAR(255) NOT NULL UNIQUE,
			username VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			is_playing BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS venue_tables (
			id INT PRIMARY KEY,
			table_number INT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS table_seats (
			user_id VARCHAR(64) PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			table_id INT NOT NULL REFERENCES venue_tables(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			joined_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			user_id VARCHAR(64) PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			joined_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS match_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			table_id INT,
			user_id VARCHAR(64),
			other_user_id VARCHAR(64),
			metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_table_seats_table ON table_seats(table_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_seq ON queue_entries(seq)`,
		`CREATE INDEX IF NOT EXISTS idx_match_events_table ON match_events(table_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// inTx runs fn in a transaction, rolling back on any error
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const userColumns = `id, external_id, username, email, photo_url, is_admin, is_playing, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.ExternalID,
		&u.Username,
		&u.Email,
		&u.PhotoURL,
		&u.IsAdmin,
		&u.IsPlaying,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser retrieves a user by id
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// UpsertUserByExternalID creates the user for an identity-provider profile or
// refreshes the profile fields of the existing one.
func (r *Repository) UpsertUserByExternalID(ctx context.Context, p domain.Profile) (*domain.User, error) {
	query := `
		INSERT INTO users (id, external_id, username, email, photo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (external_id)
		DO UPDATE SET username = EXCLUDED.username,
			email = EXCLUDED.email,
			photo_url = EXCLUDED.photo_url,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + userColumns
	user, err := scanUser(r.pool.QueryRow(ctx, query,
		uuid.New().String(),
		p.ExternalID,
		p.Username,
		p.Email,
		p.PhotoURL,
		time.Now(),
	))
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return user, nil
}

// LoadState reads the queue in arrival order and every table with its players
func (r *Repository) LoadState(ctx context.Context) (*domain.State, error) {
	state := &domain.State{
		Queue:  []domain.QueueEntry{},
		Tables: []domain.Table{},
	}

	rows, err := r.pool.Query(ctx, `
		SELECT q.user_id, u.username, q.joined_at
		FROM queue_entries q
		JOIN users u ON u.id = q.user_id
		ORDER BY q.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.User.ID, &e.User.Username, &e.JoinedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		state.Queue = append(state.Queue, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT t.id, t.table_number, s.user_id, u.username, s.joined_at
		FROM venue_tables t
		LEFT JOIN table_seats s ON s.table_id = t.id
		LEFT JOIN users u ON u.id = s.user_id
		ORDER BY t.table_number, s.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("loading tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tableID, number int
			userID, name    *string
			joinedAt        *time.Time
		)
		if err := rows.Scan(&tableID, &number, &userID, &name, &joinedAt); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		n := len(state.Tables)
		if n == 0 || state.Tables[n-1].ID != tableID {
			state.Tables = append(state.Tables, domain.Table{ID: tableID, Number: number, Players: []domain.Seat{}})
			n++
		}
		if userID == nil {
			continue
		}
		seat := domain.Seat{User: domain.UserInfo{ID: *userID}}
		if name != nil {
			seat.User.Username = *name
		}
		if joinedAt != nil {
			seat.JoinedAt = *joinedAt
		}
		state.Tables[n-1].Players = append(state.Tables[n-1].Players, seat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading tables: %w", err)
	}
	return state, nil
}

// Enqueue appends userID to the tail of the queue
func (r *Repository) Enqueue(ctx context.Context, userID string, at time.Time) error {
	query := `
		INSERT INTO queue_entries (user_id, joined_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, userID, at); err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("enqueueing user: %w", err)
	}
	return nil
}

// lockTable takes a row lock on the table so concurrent seatings serialize
func lockTable(ctx context.Context, tx pgx.Tx, tableID int) error {
	var id int
	err := tx.QueryRow(ctx, `SELECT id FROM venue_tables WHERE id = $1 FOR UPDATE`, tableID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTableNotFound
	}
	if err != nil {
		return fmt.Errorf("locking table: %w", err)
	}
	return nil
}

func setPlaying(ctx context.Context, tx pgx.Tx, userID string, playing bool) error {
	_, err := tx.Exec(ctx, `UPDATE users SET is_playing = $2, updated_at = NOW() WHERE id = $1`, userID, playing)
	if err != nil {
		return fmt.Errorf("updating playing flag: %w", err)
	}
	return nil
}

// SeatPlayer moves userID from the queue (if present) to tableID
func (r *Repository) SeatPlayer(ctx context.Context, tableID int, userID string, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTable(ctx, tx, tableID); err != nil {
			return err
		}

		var seated int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM table_seats WHERE table_id = $1`, tableID).Scan(&seated)
		if err != nil {
			return fmt.Errorf("counting seats: %w", err)
		}
		if seated >= domain.TableCapacity {
			return domain.ErrTableFull
		}

		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("dequeueing user: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO table_seats (user_id, table_id, joined_at) VALUES ($1, $2, $3)`,
			userID, tableID, at,
		)
		switch pgCode(err) {
		case "":
		case codeUniqueViolation:
			return domain.ErrAlreadySeated
		case codeForeignKeyViolation:
			return domain.ErrUserNotFound
		default:
			return fmt.Errorf("seating player: %w", err)
		}

		return setPlaying(ctx, tx, userID, true)
	})
}

func unseat(ctx context.Context, tx pgx.Tx, tableID int, userID string) error {
	result, err := tx.Exec(ctx, `DELETE FROM table_seats WHERE table_id = $1 AND user_id = $2`, tableID, userID)
	if err != nil {
		return fmt.Errorf("unseating player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotOnTable
	}
	return setPlaying(ctx, tx, userID, false)
}

// ResolveMatch unseats loserID and requeues them at the tail
func (r *Repository) ResolveMatch(ctx context.Context, tableID int, loserID string, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTable(ctx, tx, tableID); err != nil {
			return err
		}
		if err := unseat(ctx, tx, tableID, loserID); err != nil {
			return err
		}
		// Delete first so the fresh row draws a new, larger seq.
		if _, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE user_id = $1`, loserID); err != nil {
			return fmt.Errorf("dequeueing loser: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO queue_entries (user_id, joined_at) VALUES ($1, $2)`,
			loserID, at,
		); err != nil {
			return fmt.Errorf("requeueing loser: %w", err)
		}
		return nil
	})
}

// RemovePlayer unseats userID from tableID
func (r *Repository) RemovePlayer(ctx context.Context, tableID int, userID string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTable(ctx, tx, tableID); err != nil {
			return err
		}
		return unseat(ctx, tx, tableID, userID)
	})
}

// ClearQueue removes every queue entry
func (r *Repository) ClearQueue(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM queue_entries`); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}
	return nil
}

// ClearTables unseats every player
func (r *Repository) ClearTables(ctx context.Context) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE users SET is_playing = FALSE, updated_at = NOW()
			WHERE id IN (SELECT user_id FROM table_seats)
		`)
		if err != nil {
			return fmt.Errorf("clearing playing flags: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM table_seats`); err != nil {
			return fmt.Errorf("clearing tables: %w", err)
		}
		return nil
	})
}

// CountTables returns the number of tables
func (r *Repository) CountTables(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM venue_tables`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting tables: %w", err)
	}
	return count, nil
}

// CreateTables inserts tables numbered 1..n
func (r *Repository) CreateTables(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO venue_tables (id, table_number)
		VALUES ($1, $1)
		ON CONFLICT (id) DO NOTHING
	`
	for i := 1; i <= n; i++ {
		batch.Queue(query, i)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

// ReconcilePlayingFlags sets each user's playing flag to whether they hold a
// seat, returning how many rows changed. Seats are read by the same
// statement that writes the flags.
func (r *Repository) ReconcilePlayingFlags(ctx context.Context) (int64, error) {
	query := `
		UPDATE users u
		SET is_playing = EXISTS (SELECT 1 FROM table_seats s WHERE s.user_id = u.id),
			updated_at = NOW()
		WHERE u.is_playing <> EXISTS (SELECT 1 FROM table_seats s WHERE s.user_id = u.id)
	`
	result, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reconciling playing flags: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecordEvent appends a matchmaking event to the audit log
func (r *Repository) RecordEvent(ctx context.Context, event domain.MatchEvent) error {
	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	query := `
		INSERT INTO match_events (event_type, table_id, user_id, other_user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		string(event.Type),
		nullInt(event.TableID),
		nullString(event.UserID),
		nullString(event.OtherUserID),
		metadataJSON,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// RecentEvents returns the latest events, newest first
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]domain.MatchEvent, error) {
	query := `
		SELECT event_type, COALESCE(table_id, 0), COALESCE(user_id, ''), COALESCE(other_user_id, ''), metadata, created_at
		FROM match_events
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	events := []domain.MatchEvent{}
	for rows.Next() {
		var (
			e        domain.MatchEvent
			typ      string
			metadata []byte
		)
		if err := rows.Scan(&typ, &e.TableID, &e.UserID, &e.OtherUserID, &metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = domain.EventType(typ)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
