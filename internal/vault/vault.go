package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"

	"relaychat/internal/crypto"
)

var ErrNoCredentials = errors.New("no saved credentials")

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyUserID       = "user_id"
	keyUsername     = "username"
)

// Credentials survive restarts and are used for silent re-authentication.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Username     string
}

// Vault persists Credentials in a local sqlite file. Tokens are sealed at rest.
type Vault struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

func Open(path string, sealer *crypto.Sealer) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	// one writer; the driver serializes the rest
	db.SetMaxOpenConns(1)

	v := &Vault{db: db, sealer: sealer}
	if err := v.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vault schema: %w", err)
	}
	return v, nil
}

func (v *Vault) initSchema() error {
	_, err := v.db.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		k TEXT PRIMARY KEY,
		v BLOB
	)`)
	if err != nil {
		return err
	}

	// columns added after the first release
	cols := []string{"sealed", "updated_at"}
	for _, col := range cols {
		var c int
		err := v.db.QueryRow("SELECT count(*) FROM pragma_table_info('credentials') WHERE name=?", col).Scan(&c)
		if err != nil {
			return err
		}
		if c == 0 {
			if _, err := v.db.Exec(fmt.Sprintf("ALTER TABLE credentials ADD COLUMN %s INTEGER DEFAULT 0", col)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) Save(creds *Credentials) error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entries := []struct {
		key    string
		value  string
		sealed bool
	}{
		{keyAccessToken, creds.AccessToken, true},
		{keyRefreshToken, creds.RefreshToken, true},
		{keyUserID, creds.UserID, false},
		{keyUsername, creds.Username, false},
	}
	for _, e := range entries {
		if err := v.put(tx, e.key, e.value, e.sealed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	glog.V(1).Infof("[vault]saved credentials for %s\n", creds.UserID)
	return nil
}

// SetAccessToken replaces only the access token, after a refresh.
func (v *Vault) SetAccessToken(token string) error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := v.put(tx, keyAccessToken, token, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (v *Vault) put(tx *sql.Tx, key string, value string, sealed bool) error {
	stored := []byte(value)
	if sealed {
		var err error
		stored, err = v.sealer.Seal(stored)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
	}
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO credentials (k, v, sealed, updated_at) VALUES (?, ?, ?, ?)",
		key, stored, sealed, time.Now().UnixMilli(),
	)
	return err
}

// Load returns ErrNoCredentials unless both tokens and the user id are present.
func (v *Vault) Load() (*Credentials, error) {
	rows, err := v.db.Query("SELECT k, v, sealed FROM credentials")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k string
		var stored []byte
		var sealed bool
		if err := rows.Scan(&k, &stored, &sealed); err != nil {
			return nil, err
		}
		if sealed {
			plain, err := v.sealer.Open(stored)
			if err != nil {
				// written under another secret; treat as absent
				glog.Infof("[vault]cannot open %s = %s\n", k, err)
				continue
			}
			stored = plain
		}
		values[k] = string(stored)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	creds := &Credentials{
		AccessToken:  values[keyAccessToken],
		RefreshToken: values[keyRefreshToken],
		UserID:       values[keyUserID],
		Username:     values[keyUsername],
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" || creds.UserID == "" {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

func (v *Vault) Clear() error {
	_, err := v.db.Exec("DELETE FROM credentials")
	if err == nil {
		glog.V(1).Infof("[vault]cleared credentials\n")
	}
	return err
}
