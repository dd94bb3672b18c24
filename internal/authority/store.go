// Package authority is a reference implementation of the remote side of the
// batch sync protocol. It applies actions to a SQLite database and is
// idempotent per action id.
package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/mealsync/internal/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// rejection is a domain failure: it is recorded against the action id and
// reported to the client as success=false.
type rejection struct{ msg string }

func (r *rejection) Error() string { return r.msg }

func reject(format string, args ...any) error {
	return &rejection{msg: fmt.Sprintf(format, args...)}
}

// Meal is a stored meal row.
type Meal struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Calories float64 `json:"calories"`
	EatenAt  string  `json:"eaten_at"`
	Notes    string  `json:"notes,omitempty"`
}

// Weight is a stored weight entry.
type Weight struct {
	ID       int64   `json:"id"`
	Date     string  `json:"date"`
	Weight   float64 `json:"weight"`
	ActionID string  `json:"action_id"`
}

// Store persists applied actions and the resulting meal and weight rows.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("authority: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("authority: wal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("authority: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applied_actions (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			applied_at INTEGER NOT NULL,
			success    INTEGER NOT NULL,
			error      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS meals (
			id       TEXT PRIMARY KEY,
			user_id  TEXT NOT NULL,
			name     TEXT NOT NULL,
			calories REAL NOT NULL DEFAULT 0,
			eaten_at TEXT NOT NULL DEFAULT '',
			notes    TEXT NOT NULL DEFAULT '',
			deleted  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS weights (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   TEXT NOT NULL,
			date      TEXT NOT NULL,
			weight    REAL NOT NULL,
			action_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_meals_user ON meals(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_weights_user ON weights(user_id, date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply applies one action for userID and returns its acknowledgment. An
// id already applied for the user returns the recorded outcome without
// touching the data again. Internal errors are not recorded, so a resend
// can still succeed.
func (s *Store) Apply(ctx context.Context, userID string, a types.QueuedAction) (types.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var success bool
	var msg string
	err = tx.QueryRowContext(ctx,
		`SELECT success, error FROM applied_actions WHERE user_id = ? AND id = ?`,
		userID, a.ID).Scan(&success, &msg)
	switch {
	case err == nil:
		return types.SyncResult{ID: a.ID, Success: success, Error: msg}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return types.SyncResult{}, fmt.Errorf("lookup action: %w", err)
	}

	result := types.SyncResult{ID: a.ID, Success: true}
	if err := s.applyTx(ctx, tx, userID, a); err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			return types.SyncResult{}, err
		}
		result = types.SyncResult{ID: a.ID, Success: false, Error: rej.msg}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_actions (user_id, id, type, applied_at, success, error) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, a.ID, string(a.Type), s.now().UnixMilli(), result.Success, result.Error); err != nil {
		return types.SyncResult{}, fmt.Errorf("record action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.SyncResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, userID string, a types.QueuedAction) error {
	switch a.Type {
	case types.ActionAddMeal:
		var p types.MealPayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if err := validateMeal(p); err != nil {
			return err
		}
		if p.MealID == "" {
			p.MealID = uuid.NewString()
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM meals WHERE id = ?`, p.MealID).Scan(&exists)
		if err == nil {
			return reject("meal %s already exists", p.MealID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup meal: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO meals (id, user_id, name, calories, eaten_at, notes) VALUES (?, ?, ?, ?, ?, ?)`,
			p.MealID, userID, p.Name, p.Calories, p.EatenAt, p.Notes)
		if err != nil {
			return fmt.Errorf("insert meal: %w", err)
		}
		return nil

	case types.ActionUpdateMeal:
		var p types.MealPayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if p.MealID == "" {
			return reject("meal_id is required")
		}
		if err := validateMeal(p); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE meals SET name = ?, calories = ?, eaten_at = ?, notes = ?
			 WHERE id = ? AND user_id = ? AND deleted = 0`,
			p.Name, p.Calories, p.EatenAt, p.Notes, p.MealID, userID)
		if err != nil {
			return fmt.Errorf("update meal: %w", err)
		}
		return requireRow(res, p.MealID)

	case types.ActionDeleteMeal:
		var p types.MealRefPayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if p.MealID == "" {
			return reject("meal_id is required")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE meals SET deleted = 1 WHERE id = ? AND user_id = ? AND deleted = 0`,
			p.MealID, userID)
		if err != nil {
			return fmt.Errorf("delete meal: %w", err)
		}
		return requireRow(res, p.MealID)

	case types.ActionAddWeight:
		var p types.WeightPayload
		if err := decode(a.Payload, &p); err != nil {
			return err
		}
		if p.Weight <= 0 {
			return reject("weight must be positive")
		}
		if _, err := time.Parse(time.DateOnly, p.Date); err != nil {
			return reject("date must be YYYY-MM-DD")
		}
		// Entries for the same date are all kept; there is no conflict resolution.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO weights (user_id, date, weight, action_id) VALUES (?, ?, ?, ?)`,
			userID, p.Date, p.Weight, a.ID)
		if err != nil {
			return fmt.Errorf("insert weight: %w", err)
		}
		return nil

	default:
		return reject("unknown action type %q", a.Type)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return reject("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return reject("invalid payload: %v", err)
	}
	return nil
}

func validateMeal(p types.MealPayload) error {
	if strings.TrimSpace(p.Name) == "" {
		return reject("name is required")
	}
	if p.Calories < 0 {
		return reject("calories must not be negative")
	}
	if p.EatenAt != "" {
		if _, err := time.Parse(time.RFC3339, p.EatenAt); err != nil {
			return reject("eaten_at must be RFC3339")
		}
	}
	return nil
}

func requireRow(res sql.Result, mealID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return reject("meal %s not found", mealID)
	}
	return nil
}

// Meals returns the user's live meals ordered by id.
func (s *Store) Meals(ctx context.Context, userID string) ([]Meal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, calories, eaten_at, notes FROM meals
		 WHERE user_id = ? AND deleted = 0 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query meals: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var meals []Meal
	for rows.Next() {
		var m Meal
		if err := rows.Scan(&m.ID, &m.Name, &m.Calories, &m.EatenAt, &m.Notes); err != nil {
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		meals = append(meals, m)
	}
	return meals, rows.Err()
}

// Weights returns the user's weight entries in insertion order.
func (s *Store) Weights(ctx context.Context, userID string) ([]Weight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, weight, action_id FROM weights WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query weights: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var weights []Weight
	for rows.Next() {
		var w Weight
		if err := rows.Scan(&w.ID, &w.Date, &w.Weight, &w.ActionID); err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

// AppliedCount returns how many distinct actions have been recorded.
func (s *Store) AppliedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
