// Package store persists recorded practice sessions and the user roster
// in a local SQLite database. The database is the appliance's only durable
// state; everything else rebuilds from config on restart.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoUser is returned when a lookup matches no active user.
var ErrNoUser = errors.New("store: no such user")

const defaultDailyTargetMinutes = 15

// Session is one recorded practice session.
type Session struct {
	ID              int64  `json:"id"`
	UserID          string `json:"user_id"`
	StartTimestamp  int64  `json:"start_timestamp"`
	EndTimestamp    int64  `json:"end_timestamp"`
	DurationSeconds int64  `json:"duration_seconds"`
	NoteCount       int    `json:"note_count"`
	SessionDate     string `json:"session_date"`
}

// DailySummary aggregates one user's sessions for one calendar day.
type DailySummary struct {
	SessionDate  string `json:"session_date"`
	UserID       string `json:"user_id"`
	SessionCount int    `json:"session_count"`
	TotalSeconds int64  `json:"total_seconds"`
	TotalNotes   int64  `json:"total_notes"`
}

// User is an entry in the roster. TriggerNote is the MIDI note that
// selects this user at the piano.
type User struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	TriggerNote uint8  `json:"trigger_note"`
	Tombstoned  bool   `json:"tombstoned"`
}

// Store wraps the SQLite handle. Safe for concurrent use; database/sql
// serializes access and the sqlite driver uses one writer.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[store] database ready at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	// session_date is TEXT, not DATE: the driver scans DATE columns into
	// time.Time, which would mangle the YYYY-MM-DD strings the date('now')
	// comparisons and the API rely on.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS practice_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			start_timestamp INTEGER NOT NULL,
			end_timestamp INTEGER NOT NULL,
			duration_seconds INTEGER NOT NULL,
			note_count INTEGER NOT NULL,
			session_date TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_date
			ON practice_sessions(user_id, session_date)`,
		`CREATE INDEX IF NOT EXISTS idx_start_time
			ON practice_sessions(start_timestamp)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			trigger_note INTEGER NOT NULL UNIQUE,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_targets (
			user_id TEXT PRIMARY KEY,
			daily_target_minutes INTEGER NOT NULL DEFAULT 15,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveSession records a completed session and returns its id. The session
// date is taken from the start time in local time, so late-night practice
// lands on the day it began.
func (s *Store) SaveSession(userID string, start, end time.Time, noteCount int) (int64, error) {
	duration := int64(end.Sub(start).Seconds())
	res, err := s.db.Exec(
		`INSERT INTO practice_sessions
			(user_id, start_timestamp, end_timestamp, duration_seconds, note_count, session_date)
			VALUES (?, ?, ?, ?, ?, ?)`,
		userID, start.Unix(), end.Unix(), duration, noteCount, start.Format("2006-01-02"),
	)
	if err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	log.Printf("[store] saved session %d: %s, %ds, %d notes", id, userID, duration, noteCount)
	return id, nil
}

// RecentSessions returns the newest sessions first.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, start_timestamp, end_timestamp, duration_seconds, note_count, session_date
			FROM practice_sessions
			ORDER BY start_timestamp DESC
			LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.StartTimestamp, &sess.EndTimestamp,
			&sess.DurationSeconds, &sess.NoteCount, &sess.SessionDate); err != nil {
			return nil, fmt.Errorf("recent sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DailySummaries aggregates per user per day over the past days. An empty
// userID covers all users.
func (s *Store) DailySummaries(userID string, days int) ([]DailySummary, error) {
	query := `SELECT session_date, user_id, COUNT(*), SUM(duration_seconds), SUM(note_count)
		FROM practice_sessions
		WHERE session_date >= date('now', '-' || ? || ' days')`
	args := []any{days}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY session_date, user_id
		ORDER BY session_date DESC, user_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("daily summary: %w", err)
	}
	defer rows.Close()

	summaries := []DailySummary{}
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(&d.SessionDate, &d.UserID, &d.SessionCount, &d.TotalSeconds, &d.TotalNotes); err != nil {
			return nil, fmt.Errorf("daily summary: %w", err)
		}
		summaries = append(summaries, d)
	}
	return summaries, rows.Err()
}

// WeeklyDay is one day of a user's last-seven-days progress, measured
// against their daily target.
type WeeklyDay struct {
	Date          string  `json:"date"`
	DayName       string  `json:"day_name"`
	Minutes       float64 `json:"minutes"`
	TargetMinutes int     `json:"target_minutes"`
	Percentage    int     `json:"percentage"`
	MetTarget     bool    `json:"met_target"`
}

// WeeklyStats builds the user's full last-seven-days array, including
// days with no practice, oldest first.
func (s *Store) WeeklyStats(userID string) ([]WeeklyDay, error) {
	target, err := s.UserTarget(userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT session_date, SUM(duration_seconds)
			FROM practice_sessions
			WHERE user_id = ? AND session_date >= date('now', '-6 days')
			GROUP BY session_date`, userID)
	if err != nil {
		return nil, fmt.Errorf("weekly stats: %w", err)
	}
	defer rows.Close()

	byDate := make(map[string]int64)
	for rows.Next() {
		var date string
		var seconds int64
		if err := rows.Scan(&date, &seconds); err != nil {
			return nil, fmt.Errorf("weekly stats: %w", err)
		}
		byDate[date] = seconds
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("weekly stats: %w", err)
	}

	today := time.Now()
	days := make([]WeeklyDay, 0, 7)
	for i := 6; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		date := day.Format("2006-01-02")
		minutes := math.Round(float64(byDate[date])/60*10) / 10

		d := WeeklyDay{
			Date:          date,
			DayName:       day.Format("Mon"),
			Minutes:       minutes,
			TargetMinutes: target,
		}
		if target > 0 {
			pct := int(math.Round(100 * minutes / float64(target)))
			if pct > 100 {
				pct = 100
			}
			d.Percentage = pct
			d.MetTarget = minutes >= float64(target)
		}
		days = append(days, d)
	}
	return days, nil
}

// Users returns the active roster ordered by name.
func (s *Store) Users() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT id, name, trigger_note, tombstoned
			FROM users
			WHERE tombstoned = 0
			ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.TriggerNote, &u.Tombstoned); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserByNote resolves an active user from a trigger note.
func (s *Store) UserByNote(note uint8) (User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, name, trigger_note, tombstoned
			FROM users
			WHERE trigger_note = ? AND tombstoned = 0`, note).
		Scan(&u.ID, &u.Name, &u.TriggerNote, &u.Tombstoned)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNoUser
	}
	if err != nil {
		return User{}, fmt.Errorf("user by note %d: %w", note, err)
	}
	return u, nil
}

// AddUser inserts a roster entry. Name and trigger note must be unique
// among active users.
func (s *Store) AddUser(name string, triggerNote uint8) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (name, trigger_note) VALUES (?, ?)`, name, triggerNote)
	if err != nil {
		return 0, fmt.Errorf("add user %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add user %s: %w", name, err)
	}
	log.Printf("[store] added user %d: %s (note %d)", id, name, triggerNote)
	return id, nil
}

// DeleteUser tombstones a user, preserving their recorded sessions.
func (s *Store) DeleteUser(id int64) error {
	_, err := s.db.Exec(
		`UPDATE users SET tombstoned = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	return nil
}

// SeedUsers migrates the config file's note→name map into the roster,
// inserting only entries whose name and note are both unused. Existing
// rows win so edits made through the API survive restarts.
func (s *Store) SeedUsers(users map[uint8]string) error {
	for note, name := range users {
		var id int64
		err := s.db.QueryRow(
			`SELECT id FROM users WHERE name = ? OR trigger_note = ?`, name, note).Scan(&id)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("seed users: %w", err)
		}
		if _, err := s.AddUser(name, note); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
	}
	return nil
}

// UserTarget returns the user's daily practice goal in minutes, falling
// back to the default when none is set.
func (s *Store) UserTarget(userID string) (int, error) {
	var minutes int
	err := s.db.QueryRow(
		`SELECT daily_target_minutes FROM user_targets WHERE user_id = ?`, userID).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultDailyTargetMinutes, nil
	}
	if err != nil {
		return 0, fmt.Errorf("user target %s: %w", userID, err)
	}
	return minutes, nil
}

// SetUserTarget upserts the daily practice goal.
func (s *Store) SetUserTarget(userID string, minutes int) error {
	_, err := s.db.Exec(
		`INSERT INTO user_targets (user_id, daily_target_minutes) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				daily_target_minutes = excluded.daily_target_minutes,
				updated_at = CURRENT_TIMESTAMP`,
		userID, minutes)
	if err != nil {
		return fmt.Errorf("set user target %s: %w", userID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
