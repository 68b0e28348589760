package api

import (
	"net/http"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// handleListNotifications serves GET /api/v1/notifications for the
// authenticated user, newest first.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	limit := feedLimit(r)

	rows, err := s.Pool.Query(r.Context(), `
		SELECT id, recipient_user_id, kind, actor_handle, actor_node_domain,
		       actor_display_name, actor_avatar_url, post_id, read_at, created_at
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, user.ID, limit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing notifications", err)
		return
	}
	defer rows.Close()

	result := make([]models.Notification, 0, limit)
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.RecipientUserID, &n.Kind, &n.ActorHandle, &n.ActorNodeDomain,
			&n.ActorDisplayName, &n.ActorAvatarURL, &n.PostID, &n.ReadAt, &n.CreatedAt); err != nil {
			apiutil.InternalError(w, s.Logger, "scanning notification", err)
			return
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		apiutil.InternalError(w, s.Logger, "reading notifications", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, result)
}

// handleMarkNotificationsRead serves PATCH /api/v1/notifications, marking
// every unread notification for the session user as read.
func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	if _, err := s.Pool.Exec(r.Context(), `
		UPDATE notifications SET read_at = now()
		WHERE recipient_user_id = $1 AND read_at IS NULL`, user.ID); err != nil {
		apiutil.InternalError(w, s.Logger, "marking notifications read", err)
		return
	}

	apiutil.WriteNoContent(w)
}
