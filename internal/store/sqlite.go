package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"rolewarden/internal/recurrence"
	logx "rolewarden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (creating if needed) the schedule database.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if !sch.Action.Valid() {
		return fmt.Errorf("store: invalid action %q", sch.Action)
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}
	members, err := json.Marshal(sch.MemberIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, community_id, group_id, member_ids, action, execute_at, executed, created_at)
		 VALUES(?,?,?,?,?,?,0,?)`,
		sch.ID, sch.CommunityID, sch.GroupID, string(members), string(sch.Action),
		sch.ExecuteAt.UnixMilli(), sch.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindDueOneTime(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, community_id, group_id, member_ids, action, execute_at, created_at
		 FROM schedules
		 WHERE executed = 0 AND cancelled = 0 AND execute_at <= ?
		 ORDER BY execute_at ASC`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sch             Schedule
			members, action string
			execAt, created int64
		)
		if err := rows.Scan(&sch.ID, &sch.CommunityID, &sch.GroupID, &members, &action, &execAt, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &sch.MemberIDs); err != nil {
			s.log.Warn("malformed member list in schedule row", logx.String("id", sch.ID), logx.Err(err))
			continue
		}
		sch.Action = Action(action)
		sch.ExecuteAt = time.UnixMilli(execAt)
		sch.CreatedAt = time.UnixMilli(created)
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET executed = 1, executed_at = ? WHERE id = ? AND executed = 0`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already executed or unknown; distinguish so callers can warn.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
	}
	return nil
}

func (s *sqliteStore) CancelSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET cancelled = 1 WHERE id = ? AND executed = 0 AND cancelled = 0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateRecurring(ctx context.Context, r *RecurringSchedule) error {
	if !r.Action.Valid() {
		return fmt.Errorf("store: invalid action %q", r.Action)
	}
	if err := r.Rule.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Rule.CreatedAt.IsZero() {
		r.Rule.CreatedAt = r.CreatedAt
	}
	members, err := json.Marshal(r.MemberIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recurring_schedules(id, community_id, group_id, member_ids, action,
		                                 kind, hour, minute, weekday, day, interval_ms, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,1,?)`,
		r.ID, r.CommunityID, r.GroupID, string(members), string(r.Action),
		string(r.Rule.Kind), r.Rule.Hour, r.Rule.Minute, int(r.Rule.Weekday), r.Rule.Day,
		r.Rule.Interval.Milliseconds(), r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindActiveRecurring(ctx context.Context) ([]RecurringSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, community_id, group_id, member_ids, action,
		        kind, hour, minute, weekday, day, interval_ms, last_executed, created_at
		 FROM recurring_schedules
		 WHERE active = 1`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringSchedule
	for rows.Next() {
		var (
			r               RecurringSchedule
			members, action string
			kind            string
			weekday         int
			intervalMS      int64
			lastExec        sql.NullInt64
			created         int64
		)
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.GroupID, &members, &action,
			&kind, &r.Rule.Hour, &r.Rule.Minute, &weekday, &r.Rule.Day,
			&intervalMS, &lastExec, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &r.MemberIDs); err != nil {
			s.log.Warn("malformed member list in recurring row", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		r.Action = Action(action)
		r.Active = true
		r.Rule.Kind = recurrence.Kind(kind)
		r.Rule.Weekday = time.Weekday(weekday)
		r.Rule.Interval = time.Duration(intervalMS) * time.Millisecond
		r.CreatedAt = time.UnixMilli(created)
		r.Rule.CreatedAt = r.CreatedAt
		if lastExec.Valid {
			r.LastExecuted = time.UnixMilli(lastExec.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateLastExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_schedules SET last_executed = ? WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CancelRecurring(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_schedules SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
