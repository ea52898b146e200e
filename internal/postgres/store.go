package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/messenger/internal/chat"
)

const sessionColumns = `conversation_key, participants, last_message, last_message_at,
	last_seq, unread, deleted_for, participant_data`

const messageColumns = `id, conversation_key, seq, sender_id, content, type, created_at, read_by`

// Store implements chat.Store on Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var _ chat.Store = (*Store)(nil)

type sessionRow struct {
	Key             string         `db:"conversation_key"`
	Participants    pq.StringArray `db:"participants"`
	LastMessage     string         `db:"last_message"`
	LastMessageAt   time.Time      `db:"last_message_at"`
	LastSeq         int64          `db:"last_seq"`
	Unread          []byte         `db:"unread"`
	DeletedFor      []byte         `db:"deleted_for"`
	ParticipantData []byte         `db:"participant_data"`
}

func (r sessionRow) toSession() (chat.Session, error) {
	s := chat.Session{
		Key:             chat.ConversationKey(r.Key),
		LastMessage:     r.LastMessage,
		LastMessageAt:   r.LastMessageAt.UTC(),
		LastSeq:         r.LastSeq,
		Unread:          map[string]int{},
		DeletedFor:      map[string]bool{},
		ParticipantData: map[string]chat.Profile{},
	}
	if len(r.Participants) == 2 {
		s.Participants = [2]string{r.Participants[0], r.Participants[1]}
	}
	if err := json.Unmarshal(r.Unread, &s.Unread); err != nil {
		return chat.Session{}, fmt.Errorf("decode unread: %w", err)
	}
	if err := json.Unmarshal(r.DeletedFor, &s.DeletedFor); err != nil {
		return chat.Session{}, fmt.Errorf("decode deleted_for: %w", err)
	}
	if err := json.Unmarshal(r.ParticipantData, &s.ParticipantData); err != nil {
		return chat.Session{}, fmt.Errorf("decode participant_data: %w", err)
	}
	for id, p := range s.ParticipantData {
		p.UserID = id
		s.ParticipantData[id] = p
	}
	return s, nil
}

type messageRow struct {
	ID        string         `db:"id"`
	Key       string         `db:"conversation_key"`
	Seq       int64          `db:"seq"`
	SenderID  string         `db:"sender_id"`
	Content   string         `db:"content"`
	Type      string         `db:"type"`
	CreatedAt time.Time      `db:"created_at"`
	ReadBy    pq.StringArray `db:"read_by"`
}

func (r messageRow) toMessage() chat.Message {
	readBy := []string(r.ReadBy)
	if readBy == nil {
		readBy = []string{}
	}
	return chat.Message{
		ID:              r.ID,
		ConversationKey: chat.ConversationKey(r.Key),
		Seq:             r.Seq,
		SenderID:        r.SenderID,
		Content:         r.Content,
		Type:            chat.MessageType(r.Type),
		CreatedAt:       r.CreatedAt.UTC(),
		ReadBy:          readBy,
	}
}

// Append locks the session row, bumps its sequence and counters relative to
// the stored values, and inserts the message, all in one transaction.
func (s *Store) Append(ctx context.Context, p chat.AppendParams) (chat.Message, chat.Session, error) {
	a, b, err := p.Key.Participants()
	if err != nil {
		return chat.Message{}, chat.Session{}, err
	}
	profile, err := json.Marshal(p.Sender)
	if err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: encode profile: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (conversation_key, participants) VALUES ($1, $2)
		 ON CONFLICT (conversation_key) DO NOTHING`,
		string(p.Key), pq.StringArray{a, b}); err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: upsert session: %w", err)
	}

	preview := chat.Message{Type: p.Type, Content: p.Content}.Preview()
	var row sessionRow
	err = tx.QueryRowxContext(ctx, `
		UPDATE chat_sessions SET
			last_seq = last_seq + 1,
			last_message = $2,
			last_message_at = GREATEST(clock_timestamp(), last_message_at),
			unread = jsonb_set(
				jsonb_set(unread, ARRAY[$4::text], to_jsonb(COALESCE((unread->>$4::text)::int, 0) + 1)),
				ARRAY[$3::text], '0'::jsonb),
			deleted_for = deleted_for - $3::text - $4::text,
			participant_data = jsonb_set(participant_data, ARRAY[$3::text], $5::jsonb)
		WHERE conversation_key = $1
		RETURNING `+sessionColumns,
		string(p.Key), preview, p.Sender.UserID, p.ReceiverID, string(profile)).StructScan(&row)
	if err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: touch session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: %w", err)
	}

	var mrow messageRow
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO chat_messages (id, conversation_key, seq, sender_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		p.ID, string(p.Key), sess.LastSeq, p.Sender.UserID, p.Content, string(p.Type), sess.LastMessageAt).StructScan(&mrow)
	if err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, chat.Session{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return mrow.toMessage(), sess, nil
}

// Latest returns the newest limit messages of key.
func (s *Store) Latest(ctx context.Context, key chat.ConversationKey, limit int) ([]chat.Message, bool, error) {
	return s.Before(ctx, key, 0, limit)
}

// Before returns up to limit messages with seq < before (all when before is
// 0), oldest first, and whether older ones remain.
func (s *Store) Before(ctx context.Context, key chat.ConversationKey, before int64, limit int) ([]chat.Message, bool, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE conversation_key = $1 AND ($2::bigint = 0 OR seq < $2::bigint)
		ORDER BY seq DESC
		LIMIT $3`, string(key), before, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: select page: %w", err)
	}
	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toMessage()
	}
	return out, more, nil
}

// After returns up to limit messages with seq > after, oldest first.
func (s *Store) After(ctx context.Context, key chat.ConversationKey, after int64, limit int) ([]chat.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE conversation_key = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, string(key), after, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: select after: %w", err)
	}
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

// Session loads the session row of key.
func (s *Store) Session(ctx context.Context, key chat.ConversationKey) (chat.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE conversation_key = $1 AND last_seq > 0`, string(key))
	return scanSession(row, err)
}

// MarkRead zeroes the reader's counter and stamps read_by on the peer's
// messages.
func (s *Store) MarkRead(ctx context.Context, key chat.ConversationKey, userID string) (chat.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return chat.Session{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var row sessionRow
	err = tx.QueryRowxContext(ctx, `
		UPDATE chat_sessions SET unread = jsonb_set(unread, ARRAY[$2::text], '0'::jsonb)
		WHERE conversation_key = $1 AND last_seq > 0
		RETURNING `+sessionColumns, string(key), userID).StructScan(&row)
	sess, err := scanSession(row, err)
	if err != nil {
		return chat.Session{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_messages SET read_by = array_append(read_by, $2::text)
		WHERE conversation_key = $1 AND sender_id <> $2::text AND NOT ($2::text = ANY(read_by))`,
		string(key), userID); err != nil {
		return chat.Session{}, fmt.Errorf("postgres: stamp read_by: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Session{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return sess, nil
}

// Hide sets deleted_for[userID].
func (s *Store) Hide(ctx context.Context, key chat.ConversationKey, userID string) (chat.Session, error) {
	var row sessionRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE chat_sessions SET deleted_for = jsonb_set(deleted_for, ARRAY[$2::text], 'true'::jsonb)
		WHERE conversation_key = $1 AND last_seq > 0
		RETURNING `+sessionColumns, string(key), userID).StructScan(&row)
	return scanSession(row, err)
}

// ListForUser returns userID's visible sessions, newest activity first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]chat.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE $1::text = ANY(participants)
		  AND last_seq > 0
		  AND NOT COALESCE((deleted_for->>$1::text)::boolean, false)
		ORDER BY last_message_at DESC, conversation_key ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	out := make([]chat.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toSession()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func scanSession(row sessionRow, err error) (chat.Session, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("postgres: session: %w", err)
	}
	sess, err := row.toSession()
	if err != nil {
		return chat.Session{}, fmt.Errorf("postgres: %w", err)
	}
	return sess, nil
}
