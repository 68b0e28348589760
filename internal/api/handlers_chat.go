package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/dm"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
)

// handleChatSend serves POST /api/v1/chat/send: RequireAuth and a
// SignedAction body. The password in the signed action's data unlocks the
// sender's key for the outer node-signed envelope when the recipient is on
// another node (internal/dm.Service.Send's sign closure contract).
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	actor, action, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}

	req := dm.SendRequest{
		RecipientHandle: dataString(action.Data, "recipientHandle"),
	}
	if content := dataString(action.Data, "content"); content != "" {
		req.Content = &content
	}
	if encrypted := dataString(action.Data, "encryptedContent"); encrypted != "" {
		req.EncryptedContent = &encrypted
	}
	if chatKey := dataString(action.Data, "senderChatPublicKey"); chatKey != "" {
		req.SenderChatPublicKey = &chatKey
	}
	if !apiutil.RequireNonEmpty(w, "recipientHandle", req.RecipientHandle) {
		return
	}

	password := dataString(action.Data, "password")
	sign := s.federationSigner(actor, password)

	if err := s.DM.Send(r.Context(), actor, req, sign); err != nil {
		s.writeDMError(w, err)
		return
	}

	apiutil.WriteNoContent(w)
}

func (s *Server) writeDMError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dm.ErrRecipientNotFound):
		apierr.WriteKind(w, apierr.NotFound, "recipient not found")
	case errors.Is(err, dm.ErrPrivacyDenied):
		apierr.WriteKind(w, apierr.Forbidden, "recipient does not accept messages from you")
	case errors.Is(err, dm.ErrUnknownSender):
		apierr.Write(w, &apierr.Error{Kind: apierr.InvalidSignature, Message: "sender signature could not be verified"})
	case errors.Is(err, remoteidentity.ErrUnreachable):
		apierr.WriteKind(w, apierr.UpstreamUnreachable, "could not resolve the sender's key from their node")
	default:
		apiutil.InternalError(w, s.Logger, "handling chat message", err)
	}
}

// handleChatMessages serves GET /api/v1/chat/messages?conversationId=&cursor=.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	conversationID := r.URL.Query().Get("conversationId")
	if !apiutil.RequireNonEmpty(w, "conversationId", conversationID) {
		return
	}
	if !s.ownsConversation(w, r, user.ID, conversationID) {
		return
	}

	var cursor *time.Time
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			apierr.WriteKind(w, apierr.Validation, "invalid cursor")
			return
		}
		cursor = &t
	}

	messages, err := s.DM.History(r.Context(), conversationID, cursor)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "loading chat history", err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, messages)
}

// handleChatMarkRead serves PATCH /api/v1/chat/messages?conversationId=.
func (s *Server) handleChatMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	conversationID := r.URL.Query().Get("conversationId")
	if !apiutil.RequireNonEmpty(w, "conversationId", conversationID) {
		return
	}
	if !s.ownsConversation(w, r, user.ID, conversationID) {
		return
	}

	if err := s.DM.MarkRead(r.Context(), conversationID); err != nil {
		apiutil.InternalError(w, s.Logger, "marking messages read", err)
		return
	}
	apiutil.WriteNoContent(w)
}

// ownsConversation confirms the session user is conversationID's local
// participant, since internal/dm.Service.History and MarkRead take the
// conversation id on trust from their caller.
func (s *Server) ownsConversation(w http.ResponseWriter, r *http.Request, userID, conversationID string) bool {
	var participantID string
	err := s.Pool.QueryRow(r.Context(),
		`SELECT participant1_id FROM chat_conversations WHERE id = $1`, conversationID).Scan(&participantID)
	if err != nil {
		apierr.WriteKind(w, apierr.NotFound, "conversation not found")
		return false
	}
	if participantID != userID {
		apierr.WriteKind(w, apierr.Forbidden, "conversation does not belong to this session")
		return false
	}
	return true
}
