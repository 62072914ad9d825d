package fakeserver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"relaychat/internal/protocol"
)

// messageLog keeps every conversation's messages in sqlite. The row id is
// the server message id.
type messageLog struct {
	db *sql.DB
}

// openMessageLog uses an in-memory database when dir is empty.
func openMessageLog(dir string) (*messageLog, error) {
	dsn := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = filepath.Join(dir, "fakeserver.db")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// an in-memory database lives on a single connection
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT,
		data BLOB,
		time DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &messageLog{db: db}, nil
}

func messageID(rowID int64) string {
	return fmt.Sprintf("m_%d", rowID)
}

// append assigns the server id and stores the message.
func (l *messageLog) append(m protocol.Message) (protocol.Message, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO messages (conversation_id, data) VALUES (?, ?)", m.ConversationID, []byte("{}"))
	if err != nil {
		return m, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return m, err
	}
	m.ID = messageID(rowID)
	data, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	if _, err := tx.Exec("UPDATE messages SET data = ? WHERE id = ?", data, rowID); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (l *messageLog) list(conversationID string) ([]protocol.Message, error) {
	rows, err := l.db.Query("SELECT data FROM messages WHERE conversation_id = ? ORDER BY id ASC", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []protocol.Message{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (l *messageLog) get(conversationID string, id string) (*protocol.Message, error) {
	var data []byte
	err := l.db.QueryRow(
		"SELECT data FROM messages WHERE conversation_id = ? AND json_extract(data, '$._id') = ?",
		conversationID, id,
	).Scan(&data)
	if err != nil {
		return nil, err
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *messageLog) setStatus(conversationID string, id string, status protocol.DeliveryState) error {
	m, err := l.get(conversationID, id)
	if err != nil {
		return err
	}
	m.DeliveryState = m.DeliveryState.Advance(status)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(
		"UPDATE messages SET data = ? WHERE conversation_id = ? AND json_extract(data, '$._id') = ?",
		data, conversationID, id,
	)
	return err
}

func (l *messageLog) deleteConversation(conversationID string) error {
	_, err := l.db.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID)
	return err
}

func (l *messageLog) close() error {
	return l.db.Close()
}
