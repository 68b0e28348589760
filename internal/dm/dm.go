// Package dm implements C10, the direct-message engine: two-party
// conversations in client-side E2E mode (sender-encrypted ciphertext the
// node never reads) or legacy server-aided mode, privacy gating, and
// cross-node delivery over a node-signed envelope (spec.md §4.10).
package dm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
	"github.com/cyph3rasi/synapsis/internal/pullfed"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
)

// SendTimeout bounds an outbound delivery of a DM to a recipient's node.
const SendTimeout = 5 * time.Second

// HistoryPageSize is the maximum number of messages returned by one call to
// History.
const HistoryPageSize = 100

var (
	// ErrRecipientNotFound is returned when the recipient handle cannot be
	// resolved, locally or (after a pull-federation attempt) remotely.
	ErrRecipientNotFound = errors.New("dm: recipient not found")
	// ErrPrivacyDenied is returned when the recipient's dmPrivacy setting
	// rejects the sender.
	ErrPrivacyDenied = errors.New("dm: recipient does not accept messages from sender")
	// ErrUnknownSender is returned when an inbound message's sender DID does
	// not resolve to a local recipient context or verification fails.
	ErrUnknownSender = errors.New("dm: unknown or unverified sender")
)

// NodeEnveloper is the subset of internal/swarm.Service needed to sign
// outbound /chat/receive deliveries.
type NodeEnveloper interface {
	ApplyEnvelope(req *http.Request, body []byte) error
	HTTPClient() *http.Client
}

// ActorKeyResolver resolves a sender's public key via the handle registry +
// TOFU cache (C5), fetching from the sender's node on a cache miss.
type ActorKeyResolver interface {
	ResolvePublicKey(ctx context.Context, handle, nodeDomain string) (publicKey string, err error)
}

// Service implements C10.
type Service struct {
	pool       *pgxpool.Pool
	nodeDomain string
	node       NodeEnveloper
	resolver   ActorKeyResolver
	pull       *pullfed.Service
}

// Config configures a Service.
type Config struct {
	Pool       *pgxpool.Pool
	NodeDomain string
	Node       NodeEnveloper
	Resolver   ActorKeyResolver
	Pull       *pullfed.Service
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{pool: cfg.Pool, nodeDomain: cfg.NodeDomain, node: cfg.Node, resolver: cfg.Resolver, pull: cfg.Pull}
}

// Envelope is the wire shape exchanged over POST /chat/receive: the inner
// user-signed message wrapped (at the HTTP layer, by internal/swarm) in a
// node-signed envelope.
type Envelope struct {
	SenderHandle        string    `json:"senderHandle"`
	SenderDID           string    `json:"senderDid"`
	SenderNodeDomain    string    `json:"senderNodeDomain"`
	RecipientHandle     string    `json:"recipientHandle"`
	Content             *string   `json:"content,omitempty"`
	EncryptedContent    *string   `json:"encryptedContent,omitempty"`
	SenderChatPublicKey *string   `json:"senderChatPublicKey,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Signature           string    `json:"signature"`
}

func (e Envelope) canonicalBytes() ([]byte, error) {
	content := ""
	if e.Content != nil {
		content = *e.Content
	}
	encrypted := ""
	if e.EncryptedContent != nil {
		encrypted = *e.EncryptedContent
	}
	chatKey := ""
	if e.SenderChatPublicKey != nil {
		chatKey = *e.SenderChatPublicKey
	}
	return cryptoutil.Canonicalize(map[string]any{
		"senderHandle":        e.SenderHandle,
		"senderDid":           e.SenderDID,
		"senderNodeDomain":    e.SenderNodeDomain,
		"recipientHandle":     e.RecipientHandle,
		"content":             content,
		"encryptedContent":    encrypted,
		"senderChatPublicKey": chatKey,
		"timestamp":           e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// SendRequest is the local-client-originated request to send a DM.
type SendRequest struct {
	RecipientHandle     string // bare "alice" or qualified "alice@domain"
	Content             *string
	EncryptedContent    *string
	SenderChatPublicKey *string
}

// Send implements the §4.10 send operation for an authenticated local
// sender. sign produces the sender's signature over the envelope's
// canonical bytes (the client's own chat/identity key, supplied by the
// caller — a server never holds an unwrapped private key outside of an
// active Unlock).
func (s *Service) Send(ctx context.Context, sender *models.User, req SendRequest, sign func([]byte) (string, error)) error {
	localPart, domain, isRemote := pullfed.SplitFullHandle(req.RecipientHandle)
	if !isRemote {
		localPart = req.RecipientHandle
	}

	var recipient *models.User
	var err error
	if isRemote {
		recipient, err = s.pull.ResolveProfile(ctx, localPart, domain)
		if err != nil {
			if errors.Is(err, pullfed.ErrUnknownDomain) || errors.Is(err, pullfed.ErrNotFound) {
				return ErrRecipientNotFound
			}
			return err
		}
	} else {
		recipient, err = s.lookupLocalByHandle(ctx, localPart)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRecipientNotFound
			}
			return err
		}
	}

	followed, err := s.recipientFollowsSender(ctx, recipient, sender)
	if err != nil {
		return err
	}
	if !recipient.CanReceiveDMFrom(followed) {
		return ErrPrivacyDenied
	}

	env := Envelope{
		SenderHandle:        sender.Handle,
		SenderDID:           sender.DID,
		SenderNodeDomain:    s.nodeDomain,
		RecipientHandle:     req.RecipientHandle,
		Content:             req.Content,
		EncryptedContent:    req.EncryptedContent,
		SenderChatPublicKey: req.SenderChatPublicKey,
		Timestamp:           time.Now().UTC(),
	}
	canon, err := env.canonicalBytes()
	if err != nil {
		return err
	}
	sig, err := sign(canon)
	if err != nil {
		return fmt.Errorf("signing dm: %w", err)
	}
	env.Signature = sig

	senderConvoID, err := s.upsertConversation(ctx, sender.ID, recipient.FullHandle())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := s.insertMessage(ctx, senderConvoID, env, &now); err != nil {
		return err
	}

	if !isRemote {
		recipientConvoID, err := s.upsertConversation(ctx, recipient.ID, sender.FullHandle())
		if err != nil {
			return err
		}
		return s.insertMessage(ctx, recipientConvoID, env, &now)
	}

	return s.deliverRemote(ctx, domain, env)
}

func (s *Service) deliverRemote(ctx context.Context, domain string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/chat/receive", domain)
	req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := s.node.ApplyEnvelope(req, body); err != nil {
		return err
	}
	resp, err := s.node.HTTPClient().Do(req)
	if err != nil {
		return nil // deliveredAt stays null; background redelivery is left to a future sweep.
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil // 4xx/5xx: leave undelivered, per spec.md §4.10 step 5.
	}
	return nil
}

// Receive implements the §4.10 receive operation for an inbound
// /chat/receive delivery (the outer node envelope, if present, has already
// been verified by the HTTP layer via internal/swarm).
func (s *Service) Receive(ctx context.Context, env Envelope) error {
	pubKeyB64, err := s.resolver.ResolvePublicKey(ctx, env.SenderHandle, env.SenderNodeDomain)
	if err != nil {
		if errors.Is(err, remoteidentity.ErrUnreachable) {
			return fmt.Errorf("dm: resolving sender key: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrUnknownSender, err)
	}
	pub, err := cryptoutil.ParsePublicKeySPKI(pubKeyB64)
	if err != nil {
		return fmt.Errorf("dm: parsing sender public key: %w", err)
	}
	canon, err := env.canonicalBytes()
	if err != nil {
		return err
	}
	if err := cryptoutil.Verify(pub, canon, env.Signature); err != nil {
		return ErrUnknownSender
	}

	recipient, err := s.lookupLocalByHandle(ctx, env.RecipientHandle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecipientNotFound
		}
		return err
	}

	followed, err := s.senderFollowsRecipient(ctx, env, recipient)
	if err != nil {
		return err
	}
	if !recipient.CanReceiveDMFrom(followed) {
		return ErrPrivacyDenied
	}

	senderFullHandle := env.SenderHandle
	if env.SenderNodeDomain != "" && env.SenderNodeDomain != s.nodeDomain {
		senderFullHandle = env.SenderHandle + "@" + env.SenderNodeDomain
	}
	convoID, err := s.upsertConversation(ctx, recipient.ID, senderFullHandle)
	if err != nil {
		return err
	}
	if err := s.insertMessage(ctx, convoID, env, nil); err != nil {
		return err
	}

	if env.SenderNodeDomain != "" && env.SenderNodeDomain != s.nodeDomain {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO handle_registry (handle, node_domain, did, updated_at)
			 VALUES ($1,$2,$3,now())
			 ON CONFLICT (handle, node_domain) DO UPDATE SET did = EXCLUDED.did, updated_at = now()
			 WHERE EXCLUDED.updated_at > handle_registry.updated_at`,
			env.SenderHandle, env.SenderNodeDomain, env.SenderDID,
		)
		if err != nil {
			return fmt.Errorf("registering dm sender: %w", err)
		}
	}
	return nil
}

func (s *Service) upsertConversation(ctx context.Context, participantID, peerFullHandle string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_conversations (id, participant1_id, participant2_handle)
		 VALUES (gen_random_uuid()::text, $1, $2)
		 ON CONFLICT (participant1_id, participant2_handle) DO UPDATE SET participant1_id = EXCLUDED.participant1_id
		 RETURNING id`,
		participantID, peerFullHandle,
	).Scan(&id)
	return id, err
}

func (s *Service) insertMessage(ctx context.Context, conversationID string, env Envelope, deliveredAt *time.Time) error {
	preview := ""
	if env.Content != nil {
		preview = truncatePreview(*env.Content)
	} else if env.EncryptedContent != nil {
		preview = "[encrypted message]"
	}

	senderNodeDomain := &env.SenderNodeDomain
	if env.SenderNodeDomain == "" || env.SenderNodeDomain == s.nodeDomain {
		senderNodeDomain = nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, conversation_id, sender_handle, sender_did, sender_node_domain,
		    content, encrypted_content, sender_chat_public_key, delivered_at, created_at)
		 VALUES (gen_random_uuid()::text, $1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		conversationID, env.SenderHandle, env.SenderDID, senderNodeDomain,
		env.Content, env.EncryptedContent, env.SenderChatPublicKey, deliveredAt, env.Timestamp,
	)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE chat_conversations SET last_message_at = $2, last_message_preview = $3 WHERE id = $1`,
		conversationID, env.Timestamp, preview,
	)
	return err
}

func truncatePreview(content string) string {
	const max = 140
	if len(content) <= max {
		return content
	}
	return content[:max]
}

// History returns up to HistoryPageSize messages in conversationID older
// than cursor (or the most recent page if cursor is nil), oldest first.
func (s *Service) History(ctx context.Context, conversationID string, cursor *time.Time) ([]models.ChatMessage, error) {
	var rows pgx.Rows
	var err error
	if cursor == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_handle, sender_did, sender_node_domain,
			        content, encrypted_content, sender_chat_public_key, delivered_at, read_at, created_at
			 FROM chat_messages WHERE conversation_id = $1
			 ORDER BY created_at DESC LIMIT $2`, conversationID, HistoryPageSize)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_handle, sender_did, sender_node_domain,
			        content, encrypted_content, sender_chat_public_key, delivered_at, read_at, created_at
			 FROM chat_messages WHERE conversation_id = $1 AND created_at < $2
			 ORDER BY created_at DESC LIMIT $3`, conversationID, *cursor, HistoryPageSize)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderHandle, &m.SenderDID, &m.SenderNodeDomain,
			&m.Content, &m.EncryptedContent, &m.SenderChatPublicKey, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead marks every unread message in conversationID as read.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chat_messages SET read_at = now() WHERE conversation_id = $1 AND read_at IS NULL`,
		conversationID,
	)
	return err
}

func (s *Service) lookupLocalByHandle(ctx context.Context, handle string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, did, handle, display_name, bio, avatar_url, public_key,
		        chat_public_key, dm_privacy, is_bot, is_remote, remote_node_domain, created_at, updated_at
		 FROM users WHERE handle = $1 AND remote_node_domain IS NULL`, handle,
	).Scan(&u.ID, &u.DID, &u.Handle, &u.DisplayName, &u.Bio, &u.AvatarURL, &u.PublicKey,
		&u.ChatPublicKey, &u.DMPrivacy, &u.IsBot, &u.IsRemote, &u.RemoteNodeDomain, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// recipientFollowsSender reports whether recipient follows sender, the
// condition required by a dmPrivacy=following recipient.
func (s *Service) recipientFollowsSender(ctx context.Context, recipient, sender *models.User) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_handle = $1 AND followee_handle = $2)`,
		recipient.FullHandle(), sender.FullHandle(),
	).Scan(&exists)
	return exists, err
}

func (s *Service) senderFollowsRecipient(ctx context.Context, env Envelope, recipient *models.User) (bool, error) {
	senderFullHandle := env.SenderHandle
	if env.SenderNodeDomain != "" && env.SenderNodeDomain != s.nodeDomain {
		senderFullHandle = env.SenderHandle + "@" + env.SenderNodeDomain
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_handle = $1 AND followee_handle = $2)`,
		recipient.FullHandle(), senderFullHandle,
	).Scan(&exists)
	return exists, err
}
