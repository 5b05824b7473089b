package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// AdminSessionName is the cookie name of admin sessions
const AdminSessionName = "haiti_shipping_admin"

// actorKey holds the editor id written to settings.updated_by
const actorKey = "actor_id"

var errSessionNotFound = errors.New("session not found or expired")

// SessionStore implements gorilla/sessions.Store on the settings database.
// The cookie carries only the signed session id; values live in the sessions table.
type SessionStore struct {
	db      *DB
	codecs  []securecookie.Codec
	options *sessions.Options
}

// NewSessionStore creates a database-backed session store
func NewSessionStore(db *DB, keyPairs ...[]byte) *SessionStore {
	return &SessionStore{
		db:     db,
		codecs: securecookie.CodecsFromPairs(keyPairs...),
		options: &sessions.Options{
			Path:     "/",
			MaxAge:   86400 * 7,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		},
	}
}

// SetOptions sets the session options
func (s *SessionStore) SetOptions(options *sessions.Options) {
	s.options = options
}

// Get returns a session for the given name after adding it to the registry
func (s *SessionStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New returns the stored session named by the request cookie, or a fresh one
func (s *SessionStore) New(r *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(s, name)
	opts := *s.options
	session.Options = &opts
	session.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}

	var sessionID string
	if err := securecookie.DecodeMulti(name, cookie.Value, &sessionID, s.codecs...); err != nil {
		return session, nil
	}

	data, err := s.load(r, sessionID)
	if err != nil {
		return session, nil
	}

	// JSON gives string keys, sessions.Values wants interface{} keys
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return session, nil
	}
	for k, v := range values {
		session.Values[k] = v
	}

	session.ID = sessionID
	session.IsNew = false
	return session, nil
}

// Save persists the session, or deletes it when MaxAge is negative
func (s *SessionStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if session.Options.MaxAge < 0 {
		if session.ID != "" {
			if err := s.delete(r, session.ID); err != nil {
				return err
			}
		}
		http.SetCookie(w, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	values := make(map[string]interface{}, len(session.Values))
	for k, v := range session.Values {
		if key, ok := k.(string); ok {
			values[key] = v
		}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(time.Duration(session.Options.MaxAge) * time.Second)
	if err := s.save(r, session.ID, data, expiresAt); err != nil {
		return err
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.codecs...)
	if err != nil {
		return err
	}
	http.SetCookie(w, sessions.NewCookie(session.Name(), encoded, session.Options))
	return nil
}

func (s *SessionStore) save(r *http.Request, sessionID string, data []byte, expiresAt time.Time) error {
	var query string
	if s.db.driver == DriverMySQL {
		query = `
			INSERT INTO sessions (session_id, data, expires_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data), expires_at = VALUES(expires_at)`
	} else {
		query = `
			INSERT INTO sessions (session_id, data, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`
	}
	if _, err := s.db.ExecContext(r.Context(), query, sessionID, string(data), expiresAt); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) load(r *http.Request, sessionID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT data FROM sessions WHERE session_id = ? AND expires_at > ?`,
		sessionID, time.Now().UTC()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (s *SessionStore) delete(r *http.Request, sessionID string) error {
	_, err := s.db.ExecContext(r.Context(), `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// CleanupExpiredSessions removes expired sessions and returns how many were deleted
func (s *SessionStore) CleanupExpiredSessions() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SetActor records the editor id on the session
func SetActor(session *sessions.Session, actorID string) {
	session.Values[actorKey] = actorID
}

// Actor returns the editor id of a session, or "" if none was bound
func Actor(session *sessions.Session) string {
	actor, _ := session.Values[actorKey].(string)
	return actor
}
