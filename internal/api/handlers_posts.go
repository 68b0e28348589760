package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/interactions"
	"github.com/cyph3rasi/synapsis/internal/models"
	"github.com/cyph3rasi/synapsis/internal/posts"
)

const defaultFeedLimit = 30

func feedLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return defaultFeedLimit
}

// handleListPosts serves GET /api/v1/posts?type={home,public,user,curated,swarm}.
func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit := feedLimit(r)
	feedType := r.URL.Query().Get("type")
	if feedType == "" {
		feedType = "public"
	}

	var (
		result []models.Post
		err    error
	)

	switch feedType {
	case "public":
		result, err = s.Posts.ListPublic(r.Context(), limit)
	case "swarm":
		result, err = s.Posts.ListSwarm(r.Context(), limit)
	case "user":
		handle := r.URL.Query().Get("handle")
		if !apiutil.RequireNonEmpty(w, "handle", handle) {
			return
		}
		result, err = s.Posts.ListByLocalHandle(r.Context(), handle, limit)
	case "home", "curated":
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			apierr.WriteKind(w, apierr.AuthRequired, "a session is required for this feed")
			return
		}
		if feedType == "home" {
			result, err = s.Posts.ListHome(r.Context(), user, limit)
		} else {
			result, err = s.Posts.ListCurated(r.Context(), user, limit)
		}
	default:
		apierr.WriteKind(w, apierr.Validation, "unknown feed type")
		return
	}

	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing posts", err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) writePostsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, posts.ErrNotFound):
		apierr.WriteKind(w, apierr.NotFound, "post not found")
	case errors.Is(err, posts.ErrEmptyContent), errors.Is(err, posts.ErrContentTooLong),
		errors.Is(err, posts.ErrRepostOfRepost), errors.Is(err, posts.ErrAlreadyReposted):
		apierr.WriteKind(w, apierr.Validation, err.Error())
	default:
		apiutil.InternalError(w, s.Logger, "post operation failed", err)
	}
}

// handleCreatePost serves POST /api/v1/posts: action "create_post",
// data {content, replyToId?, password?}. password is only required when
// replyToId targets a swarm mirror, since replying to one also queues an
// outbound interactions.VerbReply delivery to the origin node.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	actor, action, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}

	content := dataString(action.Data, "content")
	var replyToID *string
	if id := dataString(action.Data, "replyToId"); id != "" {
		replyToID = &id
	}

	post, parent, err := s.Posts.Create(r.Context(), actor, content, replyToID)
	if err != nil {
		s.writePostsError(w, err)
		return
	}

	if parent != nil {
		if domain, _, isMirror := parent.IsSwarmMirror(); isMirror {
			password := dataString(action.Data, "password")
			sign := s.federationSigner(actor, password)
			if err := s.Interactions.QueueForOrigin(r.Context(), interactions.VerbReply, parent.ApID, actor, &interactions.ReplyRef{ID: post.ID, Content: post.Content}, sign); err != nil {
				s.Logger.Error("queuing reply delivery", "error", err.Error(), "targetDomain", domain)
			}
		}
	}

	apiutil.WriteJSON(w, http.StatusCreated, post)
}

// handleLikePost serves POST /api/v1/posts/{id}/like.
func (s *Server) handleLikePost(w http.ResponseWriter, r *http.Request) {
	s.handleInteraction(w, r, interactions.VerbLike, func(actor *models.User, id string) (*models.Post, error) {
		return s.Posts.Like(r.Context(), actor, id)
	})
}

// handleUnlikePost serves DELETE /api/v1/posts/{id}/like.
func (s *Server) handleUnlikePost(w http.ResponseWriter, r *http.Request) {
	s.handleInteraction(w, r, interactions.VerbUnlike, func(actor *models.User, id string) (*models.Post, error) {
		return s.Posts.Unlike(r.Context(), actor, id)
	})
}

// handleRepostPost serves POST /api/v1/posts/{id}/repost.
func (s *Server) handleRepostPost(w http.ResponseWriter, r *http.Request) {
	actor, action, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	repost, target, err := s.Posts.Repost(r.Context(), actor, id)
	if err != nil {
		s.writePostsError(w, err)
		return
	}
	s.queueInteractionIfMirror(r, interactions.VerbRepost, target, actor, action)
	apiutil.WriteJSON(w, http.StatusOK, repost)
}

// handleUnrepostPost serves DELETE /api/v1/posts/{id}/repost.
func (s *Server) handleUnrepostPost(w http.ResponseWriter, r *http.Request) {
	actor, action, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	target, removed, err := s.Posts.Unrepost(r.Context(), actor, id)
	if err != nil {
		s.writePostsError(w, err)
		return
	}
	if removed {
		s.queueInteractionIfMirror(r, interactions.VerbUnrepost, target, actor, action)
	}
	apiutil.WriteNoContent(w)
}

// handleInteraction is the shared shape of like/unlike: verify, apply the
// local effect, queue federation delivery if the target is a swarm mirror.
func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request, verb interactions.Verb, apply func(actor *models.User, id string) (*models.Post, error)) {
	actor, action, ok := s.verifySignedAction(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	target, err := apply(actor, id)
	if err != nil {
		s.writePostsError(w, err)
		return
	}
	s.queueInteractionIfMirror(r, verb, target, actor, action)
	apiutil.WriteJSON(w, http.StatusOK, target)
}

func (s *Server) queueInteractionIfMirror(r *http.Request, verb interactions.Verb, target *models.Post, actor *models.User, action models.SignedAction) {
	domain, _, isMirror := target.IsSwarmMirror()
	if !isMirror {
		return
	}
	password := dataString(action.Data, "password")
	sign := s.federationSigner(actor, password)
	if err := s.Interactions.QueueForOrigin(r.Context(), verb, target.ApID, actor, nil, sign); err != nil {
		s.Logger.Error("queuing interaction delivery", "error", err.Error(), "targetDomain", domain, "verb", string(verb))
	}
}
