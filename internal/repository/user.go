package repository

import (
	"database/sql"
	"time"

	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
)

// UserRepository provides persistence methods for the users table.
type UserRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewUserRepository(db *sql.DB, clock core.Clock) *UserRepository {
	return &UserRepository{db: db, clock: clock}
}

const USER_COLUMNS = ` id, username, password, retry_count, session_id, api_key, session_expiry, created, enabled `

// Save inserts a new user and returns its generated id. Created is set
// to now when not provided.
func (r *UserRepository) Save(u *domain.User) (int64, error) {
	if !u.Created.Valid {
		u.Created = sql.NullTime{Time: r.clock.Now().UTC(), Valid: true}
	}
	base := `
		INSERT INTO users (username, password, retry_count, session_id, api_key, session_expiry, created, enabled)
		VALUES (` + placeholder(1) + `,` + placeholder(2) + `,` + placeholder(3) + `,` + placeholder(4) + `,` +
		placeholder(5) + `,` + placeholder(6) + `,` + placeholder(7) + `,` + placeholder(8) + `)
	`
	vals := []interface{}{
		u.Username, u.Password, u.RetryCount, u.SessionID, u.ApiKey,
		formatDateInDatabaseNull(u.SessionExpiry), formatDateInDatabaseNull(u.Created), u.Enabled,
	}
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id", vals...).Scan(&u.ID)
	} else {
		res, e := r.db.Exec(base, vals...)
		if e != nil {
			err = e
		} else {
			u.ID, err = res.LastInsertId()
		}
	}
	return u.ID, err
}

func (r *UserRepository) scanOne(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Password,
		&u.RetryCount,
		&u.SessionID,
		&u.ApiKey,
		&u.SessionExpiry,
		&u.Created,
		&u.Enabled,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByUsername fetches a user by exact username. Returns (nil, nil) if not found.
func (r *UserRepository) FindByUsername(username string) (*domain.User, error) {
	query := `
		SELECT ` + USER_COLUMNS + `
		FROM users WHERE username = ` + placeholder(1) + ` LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, username))
}

// FindBySessionID fetches a user by session id with an unexpired session.
func (r *UserRepository) FindBySessionID(sessionID string, now time.Time) (*domain.User, error) {
	query := `
		SELECT ` + USER_COLUMNS + `
		FROM users
		WHERE session_id = ` + placeholder(1) + ` AND session_expiry > ` + placeholder(2) + `
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, sessionID, formatDateInDatabase(now)))
}

// FindById fetches a user by id. Returns (nil, nil) if not found.
func (r *UserRepository) FindById(id int64) (*domain.User, error) {
	query := `
		SELECT ` + USER_COLUMNS + `
		FROM users WHERE id = ` + placeholder(1) + ` LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// DeleteById removes a user by id.
func (r *UserRepository) DeleteById(id int64) error {
	query := `DELETE FROM users WHERE id = ` + placeholder(1)
	_, err := r.db.Exec(query, id)
	return err
}

// FindByApiKey fetches a user by api key. Returns (nil, nil) if not found.
func (r *UserRepository) FindByApiKey(apiKey string) (*domain.User, error) {
	query := `
		SELECT ` + USER_COLUMNS + `
		FROM users WHERE api_key = ` + placeholder(1) + ` LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, apiKey))
}

// UpdateSession sets session_id and session_expiry for a user by id.
func (r *UserRepository) UpdateSession(userID int64, sessionID string, expiry time.Time) error {
	query := `
		UPDATE users
		SET session_id = ` + placeholder(1) + `, session_expiry = ` + placeholder(2) + `
		WHERE id = ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, sessionID, formatDateInDatabase(expiry), userID)
	return err
}

// ClearSessionBySessionID nulls the session for the user holding it.
func (r *UserRepository) ClearSessionBySessionID(sessionID string) error {
	query := `
		UPDATE users
		SET session_id = NULL, session_expiry = NULL
		WHERE session_id = ` + placeholder(1) + `
	`
	_, err := r.db.Exec(query, sessionID)
	return err
}

func (r *UserRepository) FindAll() (*[]domain.User, error) {
	query := `SELECT ` + USER_COLUMNS + ` FROM users ORDER BY username`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		err := rows.Scan(
			&u.ID,
			&u.Username,
			&u.Password,
			&u.RetryCount,
			&u.SessionID,
			&u.ApiKey,
			&u.SessionExpiry,
			&u.Created,
			&u.Enabled,
		)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return &users, rows.Err()
}
