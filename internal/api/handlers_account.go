package api

import (
	"net/http"
	"time"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/auth"
)

type accountExportFollow struct {
	FolloweeHandle string    `json:"followeeHandle"`
	CreatedAt      time.Time `json:"createdAt"`
}

type accountExportMessage struct {
	ConversationID string     `json:"conversationId"`
	PeerHandle     string     `json:"peerHandle"`
	SenderHandle   string     `json:"senderHandle"`
	Content        *string    `json:"content,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

type accountExportBundle struct {
	Account       any                     `json:"account"`
	Posts         any                     `json:"posts"`
	Follows       []accountExportFollow   `json:"follows"`
	ChatMessages  []accountExportMessage  `json:"chatMessages"`
	ExportedAt    time.Time               `json:"exportedAt"`
}

// handleAccountExport serves POST /api/v1/account/export: a full dump of
// the session user's own data — profile, posts, follows, and direct
// messages across every local conversation — in one JSON bundle.
func (s *Server) handleAccountExport(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	posts, err := s.Posts.ListByUserID(r.Context(), user.ID, 10000)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "exporting posts", err)
		return
	}

	follows, err := s.exportFollows(r, user.FullHandle())
	if err != nil {
		apiutil.InternalError(w, s.Logger, "exporting follows", err)
		return
	}

	messages, err := s.exportChatMessages(r, user.ID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "exporting chat messages", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, accountExportBundle{
		Account:      userToSessionResponse(user),
		Posts:        posts,
		Follows:      follows,
		ChatMessages: messages,
		ExportedAt:   time.Now().UTC(),
	})
}

func (s *Server) exportFollows(r *http.Request, fullHandle string) ([]accountExportFollow, error) {
	rows, err := s.Pool.Query(r.Context(),
		`SELECT followee_handle, created_at FROM follows WHERE follower_handle = $1 ORDER BY created_at`, fullHandle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	follows := make([]accountExportFollow, 0)
	for rows.Next() {
		var f accountExportFollow
		if err := rows.Scan(&f.FolloweeHandle, &f.CreatedAt); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

func (s *Server) exportChatMessages(r *http.Request, userID string) ([]accountExportMessage, error) {
	rows, err := s.Pool.Query(r.Context(), `
		SELECT m.conversation_id, c.participant2_handle, m.sender_handle, m.content, m.created_at, m.read_at
		FROM chat_messages m
		JOIN chat_conversations c ON c.id = m.conversation_id
		WHERE c.participant1_id = $1
		ORDER BY m.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]accountExportMessage, 0)
	for rows.Next() {
		var m accountExportMessage
		if err := rows.Scan(&m.ConversationID, &m.PeerHandle, &m.SenderHandle, &m.Content, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
