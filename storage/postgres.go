package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the Postgres notification channel appends publish to.
// Notifications are sent inside the append transaction, so LISTEN wakeups
// fire exactly on commit.
const NotifyChannel = "streamsource_new_messages"

// Constraint names used to classify unique violations.
const (
	constraintMessageID     = "message_message_id_key"
	constraintStreamVersion = "message_stream_id_internal_stream_version_unique"
	constraintStreamID      = "stream_id_key"
)

const sqlstateUniqueViolation = "23505"

// Detail looks like: Key (message_id)=(9b1a…) already exists.
var duplicateKeyPattern = regexp.MustCompile(`=\(([0-9a-fA-F-]{36})\)`)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS streams (
	id text NOT NULL,
	version bigint NOT NULL DEFAULT -1,
	position bigint NOT NULL DEFAULT 0,
	max_age bigint,
	max_count bigint,
	CONSTRAINT stream_id_key PRIMARY KEY (id)
);

CREATE SEQUENCE IF NOT EXISTS messages_position_seq;

CREATE TABLE IF NOT EXISTS messages (
	position bigint NOT NULL DEFAULT nextval('messages_position_seq'),
	message_id uuid NOT NULL,
	stream_id text NOT NULL REFERENCES streams (id) ON DELETE CASCADE,
	version bigint NOT NULL,
	type text NOT NULL,
	data jsonb NOT NULL,
	meta jsonb,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (position),
	CONSTRAINT message_message_id_key UNIQUE (message_id),
	CONSTRAINT message_stream_id_internal_stream_version_unique UNIQUE (stream_id, version)
);
`

const teardownSQL = `
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS streams;
DROP SEQUENCE IF EXISTS messages_position_seq;
`

const (
	sqlstateDuplicateDatabase = "42P04"
	adminDatabase             = "postgres"
)

// CreateDatabase creates the database named in the DSN, connecting through
// the admin database. An already existing database is not an error.
func CreateDatabase(ctx context.Context, dsn string) error {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	name := cfg.Database
	cfg.Database = adminDatabase

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", adminDatabase, err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `CREATE DATABASE `+pgx.Identifier{name}.Sanitize())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateDuplicateDatabase {
		return nil
	}
	return err
}

// DropDatabase drops the database named in the DSN, connecting through the
// admin database. A missing database is not an error.
func DropDatabase(ctx context.Context, dsn string) error {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	name := cfg.Database
	cfg.Database = adminDatabase

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", adminDatabase, err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `DROP DATABASE IF EXISTS `+pgx.Identifier{name}.Sanitize())
	return err
}

// Postgres implements Driver on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewPostgres connects a pooled driver to the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	return &Postgres{pool: pool, dsn: dsn}, nil
}

// Setup creates the schema. Idempotent.
func (p *Postgres) Setup(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Teardown drops the schema. Idempotent.
func (p *Postgres) Teardown(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, teardownSQL)
	if err != nil {
		return fmt.Errorf("dropping schema: %w", err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, streamID string, expectedVersion int64, now time.Time, messages []ProposedMessage) (AppendResult, error) {
	var result AppendResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		// Ensure the stream row exists, then lock it. The row lock
		// serializes appends per stream.
		if _, err := tx.Exec(ctx,
			`INSERT INTO streams (id) VALUES ($1) ON CONFLICT ON CONSTRAINT stream_id_key DO NOTHING`,
			streamID,
		); err != nil {
			return err
		}

		var (
			version, position int64
			maxAge, maxCount  *int64
		)
		err := tx.QueryRow(ctx,
			`SELECT version, position, max_age, max_count FROM streams WHERE id = $1 FOR UPDATE`,
			streamID,
		).Scan(&version, &position, &maxAge, &maxCount)
		if err != nil {
			return err
		}

		switch {
		case expectedVersion == AnyVersion:
		case expectedVersion == EmptyVersion:
			if version != -1 {
				return ErrVersionConflict
			}
		default:
			if version != expectedVersion {
				return ErrVersionConflict
			}
		}

		for _, msg := range messages {
			version++
			err := tx.QueryRow(ctx,
				`INSERT INTO messages (message_id, stream_id, version, type, data, meta, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING position`,
				msg.ID, streamID, version, msg.Type, msg.Data, msg.Meta, now,
			).Scan(&position)
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE streams SET version = $2, position = $3 WHERE id = $1`,
			streamID, version, position,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, streamID); err != nil {
			return err
		}

		result = AppendResult{
			Version:  version,
			Position: position,
			MaxAge:   maxAge,
			MaxCount: maxCount,
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, classifyPgError(err)
	}
	return result, nil
}

// classifyPgError maps unique-constraint violations onto the driver error
// taxonomy using the structured SQLSTATE and constraint name from pgconn.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != sqlstateUniqueViolation {
		return err
	}

	switch pgErr.ConstraintName {
	case constraintMessageID:
		if match := duplicateKeyPattern.FindStringSubmatch(pgErr.Detail); match != nil {
			if id, parseErr := uuid.Parse(match[1]); parseErr == nil {
				return &DuplicateIDError{ID: id}
			}
		}
		return &DuplicateIDError{}
	case constraintStreamVersion, constraintStreamID:
		return ErrVersionConflict
	default:
		return err
	}
}

func (p *Postgres) ReadStream(ctx context.Context, streamID string, from int64, count int, backward bool) (StreamPage, error) {
	order, cmp := "ASC", ">="
	if backward {
		order, cmp = "DESC", "<="
	}

	// One round trip; the info query is queued after the messages query on
	// purpose (see StreamPage).
	batch := &pgx.Batch{}
	batch.Queue(fmt.Sprintf(
		`SELECT message_id, version, type, data, meta, position, created_at
		 FROM messages WHERE stream_id = $1 AND version %s $2
		 ORDER BY version %s LIMIT $3`, cmp, order),
		streamID, from, count)
	batch.Queue(
		`SELECT version, position, max_age, max_count FROM streams WHERE id = $1`,
		streamID)

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	rows, err := results.Query()
	if err != nil {
		return StreamPage{}, err
	}

	page := StreamPage{Info: StreamInfo{StreamID: streamID, Version: -1}}
	for rows.Next() {
		msg := Message{StreamID: streamID}
		if err := rows.Scan(&msg.ID, &msg.StreamVersion, &msg.Type, &msg.Data, &msg.Meta, &msg.Position, &msg.CreatedAt); err != nil {
			rows.Close()
			return StreamPage{}, err
		}
		page.Messages = append(page.Messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return StreamPage{}, err
	}

	var info StreamInfo
	err = results.QueryRow().Scan(&info.Version, &info.Position, &info.MaxAge, &info.MaxCount)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return StreamPage{}, err
	default:
		info.StreamID = streamID
		info.Exists = true
		page.Info = info
	}
	return page, nil
}

func (p *Postgres) ReadAll(ctx context.Context, from int64, count int, backward bool) ([]Message, error) {
	order, cmp := "ASC", ">="
	if backward {
		order, cmp = "DESC", "<="
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT message_id, stream_id, version, type, data, meta, position, created_at
		 FROM messages WHERE position %s $1
		 ORDER BY position %s LIMIT $2`, cmp, order),
		from, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.StreamID, &msg.StreamVersion, &msg.Type, &msg.Data, &msg.Meta, &msg.Position, &msg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) ReadHead(ctx context.Context) (int64, error) {
	var head int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM messages`).Scan(&head)
	return head, err
}

func (p *Postgres) SetRetention(ctx context.Context, streamID string, maxAge, maxCount *int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO streams (id, max_age, max_count) VALUES ($1, $2, $3)
		 ON CONFLICT ON CONSTRAINT stream_id_key
		 DO UPDATE SET max_age = EXCLUDED.max_age, max_count = EXCLUDED.max_count`,
		streamID, maxAge, maxCount)
	return err
}

func (p *Postgres) DeleteStream(ctx context.Context, streamID string, expectedVersion int64) (bool, error) {
	existed := false
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM streams WHERE id = $1 FOR UPDATE`,
			streamID,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if expectedVersion != AnyVersion && version != expectedVersion {
			return ErrVersionConflict
		}
		existed = true

		// The stream row is kept; see Driver.DeleteStream.
		_, err = tx.Exec(ctx, `DELETE FROM messages WHERE stream_id = $1`, streamID)
		return err
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, streamID string, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM messages WHERE stream_id = $1 AND message_id = $2`,
		streamID, id)
	return err
}

func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

// NewListener opens a dedicated connection and LISTENs on NotifyChannel.
func (p *Postgres) NewListener(ctx context.Context) (Listener, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening listener connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `LISTEN `+NotifyChannel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}

	return &pgListener{conn: conn}, nil
}

type pgListener struct {
	conn *pgx.Conn
}

func (l *pgListener) Wait(ctx context.Context) error {
	_, err := l.conn.WaitForNotification(ctx)
	return err
}

func (l *pgListener) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

func (l *pgListener) Close(ctx context.Context) error {
	// Best effort; closing the connection drops the LISTEN regardless.
	_, _ = l.conn.Exec(ctx, `UNLISTEN `+NotifyChannel)
	return l.conn.Close(ctx)
}

var _ Driver = (*Postgres)(nil)
var _ Notifying = (*Postgres)(nil)
