package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/models"
	"github.com/cyph3rasi/synapsis/internal/pullfed"
)

// handleGetUser serves GET /api/v1/users/{handle}, accepting either a bare
// local handle or a fully-qualified handle@domain for a remote user, pulling
// and caching the remote profile on first resolution.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if !apiutil.RequireNonEmpty(w, "handle", handle) {
		return
	}

	if localPart, domain, ok := pullfed.SplitFullHandle(handle); ok {
		user, err := s.Pull.ResolveProfile(r.Context(), localPart, domain)
		if err != nil {
			if errors.Is(err, pullfed.ErrUnknownDomain) || errors.Is(err, pullfed.ErrNotFound) {
				apierr.WriteKind(w, apierr.NotFound, "user not found")
				return
			}
			apiutil.InternalError(w, s.Logger, "resolving remote profile", err)
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, userToSessionResponse(user))
		return
	}

	user, err := s.lookupLocalUserByHandle(r, handle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			apierr.WriteKind(w, apierr.NotFound, "user not found")
			return
		}
		apiutil.InternalError(w, s.Logger, "looking up user", err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, userToSessionResponse(user))
}

func (s *Server) lookupLocalUserByHandle(r *http.Request, handle string) (*models.User, error) {
	const q = `SELECT id, did, handle, email, display_name, bio, avatar_url, public_key,
		chat_public_key, dm_privacy, is_suspended, is_silenced, is_bot, is_remote,
		remote_node_domain, created_at, updated_at
		FROM users WHERE handle = $1 AND remote_node_domain IS NULL`
	row := s.Pool.QueryRow(r.Context(), q, handle)
	var u models.User
	if err := row.Scan(&u.ID, &u.DID, &u.Handle, &u.Email, &u.DisplayName, &u.Bio, &u.AvatarURL,
		&u.PublicKey, &u.ChatPublicKey, &u.DMPrivacy, &u.IsSuspended, &u.IsSilenced, &u.IsBot,
		&u.IsRemote, &u.RemoteNodeDomain, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// handleFollowUser serves POST /api/v1/users/{handle}/follow: action
// "follow". Following a remote handle also registers it in remote_follows
// so the background sweep in internal/pullfed keeps its posts refreshed.
func (s *Server) handleFollowUser(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}
	target := chi.URLParam(r, "handle")
	if !apiutil.RequireNonEmpty(w, "handle", target) {
		return
	}
	if target == actor.FullHandle() {
		apierr.WriteKind(w, apierr.Validation, "cannot follow yourself")
		return
	}

	id := models.NewULID().String()
	_, err := s.Pool.Exec(r.Context(), `
		INSERT INTO follows (id, follower_handle, followee_handle)
		VALUES ($1, $2, $3)
		ON CONFLICT (follower_handle, followee_handle) DO NOTHING`,
		id, actor.FullHandle(), target)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "creating follow", err)
		return
	}

	if _, domain, isRemote := pullfed.SplitFullHandle(target); isRemote {
		rfID := models.NewULID().String()
		if _, err := s.Pool.Exec(r.Context(), `
			INSERT INTO remote_follows (id, local_user_handle, remote_handle)
			VALUES ($1, $2, $3)
			ON CONFLICT (local_user_handle, remote_handle) DO NOTHING`,
			rfID, actor.FullHandle(), target); err != nil {
			s.Logger.Error("registering remote follow", "error", err.Error(), "domain", domain)
		}
	}

	apiutil.WriteNoContent(w)
}

// handleUnfollowUser serves DELETE /api/v1/users/{handle}/follow.
func (s *Server) handleUnfollowUser(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}
	target := chi.URLParam(r, "handle")
	if !apiutil.RequireNonEmpty(w, "handle", target) {
		return
	}

	if _, err := s.Pool.Exec(r.Context(),
		`DELETE FROM follows WHERE follower_handle = $1 AND followee_handle = $2`,
		actor.FullHandle(), target); err != nil {
		apiutil.InternalError(w, s.Logger, "removing follow", err)
		return
	}
	if _, err := s.Pool.Exec(r.Context(),
		`DELETE FROM remote_follows WHERE local_user_handle = $1 AND remote_handle = $2`,
		actor.FullHandle(), target); err != nil {
		s.Logger.Error("removing remote follow registration", "error", err.Error())
	}

	apiutil.WriteNoContent(w)
}
