package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"periskope/chatsync/internal/logging"
	"periskope/chatsync/internal/models"
	"periskope/chatsync/internal/syncerr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const messageColumns = `
	m.id::text, m.chat_id::text, m.sender_id::text, m.content, m.message_type,
	m.created_at, m.updated_at, m.is_deleted,
	u.name, u.phone, u.avatar_url`

const chatColumns = `
	c.id::text, c.name, c.is_group, c.created_by::text, c.created_at, c.updated_at,
	c.last_message, c.last_message_at, c.last_message_by::text, lu.name`

// Postgres implements Backend on a pgx pool. Inserts are published by the
// messages_after_insert trigger on channel "messages:<chat_id>" and received
// on one dedicated connection, so open conversations never hold pool
// connections.
type Postgres struct {
	pool *pgxpool.Pool
	feed *listener
	log  *zap.Logger
}

// NewPostgres creates a Postgres backend. The listener connection is dialed
// with the pool's connection settings on the first subscription.
func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	log = logging.OrNop(log)
	return &Postgres{
		pool: pool,
		feed: newListener(pool.Config().ConnConfig, log),
		log:  log,
	}
}

func (p *Postgres) FetchChatsForUser(ctx context.Context, userID string) ([]models.ChatWithRelations, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+chatColumns+`
		FROM chats c
		INNER JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1
		LEFT JOIN users lu ON lu.id = c.last_message_by
		ORDER BY c.last_message_at DESC NULLS LAST, c.id
	`, userID)
	if err != nil {
		return nil, classify("fetch chats", err)
	}
	defer rows.Close()

	var chats []models.ChatWithRelations
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, classify("scan chat", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch chats", err)
	}

	if err := p.loadRelations(ctx, chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (p *Postgres) FetchChat(ctx context.Context, chatID string) (models.ChatWithRelations, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+chatColumns+`
		FROM chats c
		LEFT JOIN users lu ON lu.id = c.last_message_by
		WHERE c.id = $1
	`, chatID)
	chat, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatWithRelations{}, syncerr.NotFound("chat", chatID)
	}
	if err != nil {
		return models.ChatWithRelations{}, classify("fetch chat", err)
	}

	chats := []models.ChatWithRelations{chat}
	if err := p.loadRelations(ctx, chats); err != nil {
		return models.ChatWithRelations{}, err
	}
	return chats[0], nil
}

func (p *Postgres) FetchChatParticipants(ctx context.Context, chatID string) ([]models.ParticipantWithUser, error) {
	byChat, err := p.participants(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	return byChat[chatID], nil
}

// loadRelations fills participants and tags for chats in place
func (p *Postgres) loadRelations(ctx context.Context, chats []models.ChatWithRelations) error {
	if len(chats) == 0 {
		return nil
	}
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}

	participants, err := p.participants(ctx, ids)
	if err != nil {
		return err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT chat_id::text, tag
		FROM chat_tags
		WHERE chat_id = ANY($1::text[]::uuid[])
		ORDER BY created_at, tag
	`, ids)
	if err != nil {
		return classify("fetch tags", err)
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var chatID, tag string
		if err := rows.Scan(&chatID, &tag); err != nil {
			return classify("scan tag", err)
		}
		tags[chatID] = append(tags[chatID], tag)
	}
	if err := rows.Err(); err != nil {
		return classify("fetch tags", err)
	}

	for i := range chats {
		chats[i].Participants = participants[chats[i].ID]
		chats[i].Tags = tags[chats[i].ID]
	}
	return nil
}

func (p *Postgres) participants(ctx context.Context, chatIDs []string) (map[string][]models.ParticipantWithUser, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT p.chat_id::text, p.user_id::text, p.joined_at, p.role,
		       u.name, u.phone, u.avatar_url
		FROM chat_participants p
		INNER JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = ANY($1::text[]::uuid[])
		ORDER BY p.joined_at, p.user_id
	`, chatIDs)
	if err != nil {
		return nil, classify("fetch participants", err)
	}
	defer rows.Close()

	out := make(map[string][]models.ParticipantWithUser)
	for rows.Next() {
		var pw models.ParticipantWithUser
		var role string
		if err := rows.Scan(&pw.ChatID, &pw.UserID, &pw.JoinedAt, &role,
			&pw.User.Name, &pw.User.Phone, &pw.User.AvatarURL); err != nil {
			return nil, classify("scan participant", err)
		}
		pw.Role = models.ParticipantRole(role)
		pw.User.ID = pw.UserID
		out[pw.ChatID] = append(out[pw.ChatID], pw)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch participants", err)
	}
	return out, nil
}

func (p *Postgres) FetchMessages(ctx context.Context, chatID string, limit int) ([]models.MessageWithSender, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		INNER JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1 AND m.is_deleted = false
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, classify("fetch messages", err)
	}
	defer rows.Close()

	var messages []models.MessageWithSender
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch messages", err)
	}
	return messages, nil
}

func (p *Postgres) InsertMessage(ctx context.Context, chatID, senderID, content string) (models.MessageWithSender, error) {
	row := p.pool.QueryRow(ctx, `
		WITH m AS (
			INSERT INTO messages (chat_id, sender_id, content, message_type)
			VALUES ($1, $2, $3, 'text')
			RETURNING *
		)
		SELECT `+messageColumns+`
		FROM m
		INNER JOIN users u ON u.id = m.sender_id
	`, chatID, senderID, content)
	msg, err := scanMessage(row)
	if err != nil {
		return models.MessageWithSender{}, classify("insert message", err)
	}
	return msg, nil
}

func (p *Postgres) LookupMessage(ctx context.Context, messageID string) (models.MessageWithSender, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		INNER JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1 AND m.is_deleted = false
	`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MessageWithSender{}, syncerr.NotFound("message", messageID)
	}
	if err != nil {
		return models.MessageWithSender{}, classify("lookup message", err)
	}
	return msg, nil
}

func (p *Postgres) FetchUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, phone, name, avatar_url, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Phone, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, syncerr.NotFound("user", userID)
	}
	if err != nil {
		return models.User{}, classify("fetch user", err)
	}
	return u, nil
}

// SubscribeInserts LISTENs on the chat's channel through the shared
// listener connection. It returns once the LISTEN is in effect.
func (p *Postgres) SubscribeInserts(ctx context.Context, chatID string, onInsert InsertHandler) (Subscription, error) {
	if chatID == "" {
		return nil, syncerr.Validation("chat id is required")
	}
	sub, err := p.feed.subscribe(ctx, notifyChannel(chatID), onInsert)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close stops the change feed listener. The pool is owned by the caller.
func (p *Postgres) Close() {
	p.feed.close()
}

func notifyChannel(chatID string) string {
	return "messages:" + chatID
}

// parseNotification extracts the message id from a trigger payload
func parseNotification(payload string) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if body.ID == "" {
		return "", fmt.Errorf("payload has no id")
	}
	return body.ID, nil
}

func scanChat(row pgx.Row) (models.ChatWithRelations, error) {
	var c models.ChatWithRelations
	err := row.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
		&c.LastMessage, &c.LastMessageAt, &c.LastMessageBy, &c.LastMessageByName)
	return c, err
}

func scanMessage(row pgx.Row) (models.MessageWithSender, error) {
	var m models.MessageWithSender
	var msgType string
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &msgType,
		&m.CreatedAt, &m.UpdatedAt, &m.IsDeleted,
		&m.Sender.Name, &m.Sender.Phone, &m.Sender.AvatarURL)
	if err != nil {
		return models.MessageWithSender{}, err
	}
	m.Type = models.MessageType(msgType)
	m.Sender.ID = m.SenderID
	return m, nil
}

// classify maps driver errors onto the sync error taxonomy
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%s: %w: %s", op, syncerr.ErrValidation, pgErr.Message)
	}
	return syncerr.Remote(op, err)
}
