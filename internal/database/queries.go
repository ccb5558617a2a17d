package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	accountColumns = "id, username, full_name, email, created_at, updated_at"
	messageColumns = "id, sender_id, receiver_id, text, image, created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.FullName,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.SenderId,
		&m.ReceiverId,
		&m.Text,
		&m.Image,
		&m.CreatedAt,
	)
	return m, err
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO accounts (id, username, full_name, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+accountColumns,
		uuid.NewString(),
		params.Username,
		params.FullName,
		params.EmailAddress,
		params.PasswordHash,
		now,
		now,
	)

	return scanAccount(row)
}

func (db *PgChatRepository) GetAccountById(id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, sql.ErrNoRows
	}

	row := db.conn.QueryRow(
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	return scanAccount(row)
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT "+accountColumns+", password_hash FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.FullName,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.PasswordHash,
	)

	return u, err
}

// ListCounterparts returns every account other than accountId, ordered by
// username.
func (db *PgChatRepository) ListCounterparts(accountId string) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT "+accountColumns+" FROM accounts WHERE id <> $1 ORDER BY username",
		accountId,
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRow(
		"INSERT INTO messages (id, sender_id, receiver_id, text, image, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+messageColumns,
		uuid.NewString(),
		params.SenderId,
		params.ReceiverId,
		params.Text,
		params.Image,
		time.Now().UTC(),
	)

	return scanMessage(row)
}

func (db *PgChatRepository) GetMessage(id string) (Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Message{}, sql.ErrNoRows
	}

	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

// GetConversation returns the messages exchanged between the two accounts,
// oldest first. Ids that are not uuids match no account, so the conversation
// is empty.
func (db *PgChatRepository) GetConversation(accountId, otherId string) ([]Message, error) {
	for _, id := range []string{accountId, otherId} {
		if _, err := uuid.Parse(id); err != nil {
			return make([]Message, 0), nil
		}
	}

	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1) "+
			"ORDER BY created_at ASC, id ASC",
		accountId,
		otherId,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return msgs, nil
}

// DeleteMessage returns sql.ErrNoRows when no message has the given id.
func (db *PgChatRepository) DeleteMessage(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return sql.ErrNoRows
	}

	res, err := db.conn.Exec("DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}
