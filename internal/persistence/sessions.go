package persistence

import (
	"context"
	"fmt"
	"time"
)

// Session identifies a conversation between a caller and the fallback agent.
type Session struct {
	AppID     string
	CallerID  string
	SessionID string
	CreatedAt time.Time
}

// GetOrCreateSession returns the session row for (appID, callerID,
// sessionID), creating it on first use. The operation is idempotent:
// repeated calls return the same row.
func (s *Store) GetOrCreateSession(ctx context.Context, appID, callerID, sessionID string) (*Session, error) {
	if appID == "" || callerID == "" || sessionID == "" {
		return nil, fmt.Errorf("get or create session: app id, caller id and session id are required")
	}

	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (app_id, caller_id, session_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(app_id, caller_id, session_id) DO NOTHING`,
			appID, callerID, sessionID,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		sess      Session
		createdAt string
	)
	err = s.db.QueryRowContext(ctx, `
SELECT app_id, caller_id, session_id, created_at
FROM sessions WHERE app_id = ? AND caller_id = ? AND session_id = ?`,
		appID, callerID, sessionID,
	).Scan(&sess.AppID, &sess.CallerID, &sess.SessionID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse session created_at: %w", err)
	}
	return &sess, nil
}
