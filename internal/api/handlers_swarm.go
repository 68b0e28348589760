package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/dm"
	"github.com/cyph3rasi/synapsis/internal/interactions"
	"github.com/cyph3rasi/synapsis/internal/pullfed"
	"github.com/cyph3rasi/synapsis/internal/remoteidentity"
	"github.com/cyph3rasi/synapsis/internal/swarm"
)

const maxSwarmBody = 4 << 20

func readSwarmBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSwarmBody))
	if err != nil {
		apierr.WriteKind(w, apierr.Validation, "could not read request body")
		return nil, false
	}
	return body, true
}

// verifyNodeEnvelope checks the node-signature headers of spec.md §4.6
// against body, writing the matching error response on failure.
func (s *Server) verifyNodeEnvelope(w http.ResponseWriter, r *http.Request, body []byte) (string, bool) {
	sourceDomain, err := s.Swarm.VerifyEnvelopeFromRequest(r.Context(), r, body)
	if err != nil {
		switch {
		case errors.Is(err, swarm.ErrUnknownNode):
			apierr.WriteKind(w, apierr.Forbidden, "unknown source node")
		case errors.Is(err, swarm.ErrStaleEnvelope):
			apierr.WriteKind(w, apierr.Validation, "stale node envelope timestamp")
		case errors.Is(err, swarm.ErrInvalidSignature):
			apierr.Write(w, &apierr.Error{Kind: apierr.InvalidSignature, Message: "invalid node signature"})
		default:
			apiutil.InternalError(w, s.Logger, "verifying node envelope", err)
		}
		return "", false
	}
	return sourceDomain, true
}

// handleSwarmWellKnown serves GET /.well-known/synapsis-swarm, the
// directory bootstrap entry point a new node uses to learn this node's own
// discovery info before its first announce.
func (s *Server) handleSwarmWellKnown(w http.ResponseWriter, r *http.Request) {
	info, err := s.Swarm.SelfInfo(r.Context())
	if err != nil {
		apiutil.InternalError(w, s.Logger, "building self info", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, info)
}

// handleSwarmInfo serves GET /swarm/info.
func (s *Server) handleSwarmInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.Swarm.SelfInfo(r.Context())
	if err != nil {
		apiutil.InternalError(w, s.Logger, "building self info", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, info)
}

// handleSwarmAnnounce serves POST /swarm/announce.
func (s *Server) handleSwarmAnnounce(w http.ResponseWriter, r *http.Request) {
	body, ok := readSwarmBody(w, r)
	if !ok {
		return
	}
	if _, ok := s.verifyNodeEnvelope(w, r, body); !ok {
		return
	}

	var info swarm.DiscoveryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		apierr.WriteKind(w, apierr.Validation, "invalid announce payload")
		return
	}

	self, err := s.Swarm.HandleAnnounce(r.Context(), info)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "handling announce", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, self)
}

// handleSwarmGossip serves POST /swarm/gossip.
func (s *Server) handleSwarmGossip(w http.ResponseWriter, r *http.Request) {
	body, ok := readSwarmBody(w, r)
	if !ok {
		return
	}
	sourceDomain, ok := s.verifyNodeEnvelope(w, r, body)
	if !ok {
		return
	}

	var payload swarm.GossipPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		apierr.WriteKind(w, apierr.Validation, "invalid gossip payload")
		return
	}

	resp, err := s.Swarm.HandleGossip(r.Context(), sourceDomain, payload, s.HandleRegistry)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "handling gossip", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, resp)
}

// handleSwarmGetUser serves GET /swarm/users/{handle}[?limit=], the
// profile+recent-posts shape internal/pullfed.Service.ResolveProfile and
// internal/keyresolve.Service both fetch from a remote node.
func (s *Server) handleSwarmGetUser(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	user, err := s.lookupLocalUserByHandle(r, handle)
	if err != nil {
		apierr.WriteKind(w, apierr.NotFound, "user not found")
		return
	}

	recentPosts, err := s.Posts.ListByUserID(r.Context(), user.ID, defaultFeedLimit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing user posts", err)
		return
	}
	remotePosts := make([]pullfed.RemotePost, 0, len(recentPosts))
	for _, p := range recentPosts {
		remotePosts = append(remotePosts, pullfed.RemotePost{
			ID:           p.ID,
			Content:      p.Content,
			ReplyToID:    p.ReplyToID,
			RepostOfID:   p.RepostOfID,
			LikesCount:   p.LikesCount,
			RepostsCount: p.RepostsCount,
			RepliesCount: p.RepliesCount,
			CreatedAt:    p.CreatedAt,
		})
	}

	apiutil.WriteJSONRaw(w, http.StatusOK, pullfed.RemoteProfile{
		Handle:      user.Handle,
		DisplayName: user.DisplayName,
		Bio:         user.Bio,
		AvatarURL:   user.AvatarURL,
		PublicKey:   user.PublicKey,
		Posts:       remotePosts,
	})
}

// handleSwarmFollowing serves GET /swarm/users/{handle}/following.
func (s *Server) handleSwarmFollowing(w http.ResponseWriter, r *http.Request) {
	s.serveFollowList(w, r, `SELECT followee_handle FROM follows WHERE follower_handle = $1 ORDER BY created_at DESC`)
}

// handleSwarmFollowers serves GET /swarm/users/{handle}/followers.
func (s *Server) handleSwarmFollowers(w http.ResponseWriter, r *http.Request) {
	s.serveFollowList(w, r, `SELECT follower_handle FROM follows WHERE followee_handle = $1 ORDER BY created_at DESC`)
}

func (s *Server) serveFollowList(w http.ResponseWriter, r *http.Request, query string) {
	handle := chi.URLParam(r, "handle")
	rows, err := s.Pool.Query(r.Context(), query, handle)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing follow relation", err)
		return
	}
	defer rows.Close()

	handles := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			apiutil.InternalError(w, s.Logger, "scanning follow relation", err)
			return
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		apiutil.InternalError(w, s.Logger, "reading follow relation", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, handles)
}

// handleSwarmGetPost serves GET /swarm/posts/{id}: the post plus its
// replies, the shape a remote node's pull-federation or reply delivery
// needs to mirror a thread.
func (s *Server) handleSwarmGetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := s.Posts.GetByID(r.Context(), id)
	if err != nil {
		apierr.WriteKind(w, apierr.NotFound, "post not found")
		return
	}
	replies, err := s.Posts.ListReplies(r.Context(), post.ID, defaultFeedLimit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing replies", err)
		return
	}
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]any{
		"post":    post,
		"replies": replies,
	})
}

// handleSwarmInteraction serves POST /swarm/interactions/{verb}, the
// inbound side of C8 delivery.
func (s *Server) handleSwarmInteraction(w http.ResponseWriter, r *http.Request) {
	body, ok := readSwarmBody(w, r)
	if !ok {
		return
	}
	if _, ok := s.verifyNodeEnvelope(w, r, body); !ok {
		return
	}

	var env interactions.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		apierr.WriteKind(w, apierr.Validation, "invalid interaction payload")
		return
	}
	if verb := chi.URLParam(r, "verb"); verb != string(env.Verb) {
		apierr.WriteKind(w, apierr.Validation, "verb does not match envelope")
		return
	}

	if err := s.Interactions.Receive(r.Context(), env); err != nil {
		s.writeInteractionsError(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) writeInteractionsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cryptoutil.ErrInvalidSignature):
		apierr.Write(w, &apierr.Error{Kind: apierr.InvalidSignature, Message: "invalid actor signature"})
	case errors.Is(err, remoteidentity.ErrUnreachable):
		apierr.WriteKind(w, apierr.UpstreamUnreachable, "could not resolve the actor's key from their node")
	default:
		apiutil.InternalError(w, s.Logger, "receiving interaction", err)
	}
}

// handleSwarmChatReceive serves POST /chat/receive, the inbound side of
// C10 cross-node delivery. The outer node envelope is verified when its
// headers are present; a bare user-signed payload (legacy direct delivery)
// is accepted without one, with the sender's own signature still verified
// by the DM engine.
func (s *Server) handleSwarmChatReceive(w http.ResponseWriter, r *http.Request) {
	body, ok := readSwarmBody(w, r)
	if !ok {
		return
	}
	if r.Header.Get(swarm.SourceDomainHeader) != "" || r.Header.Get(swarm.SignatureHeader) != "" {
		if _, ok := s.verifyNodeEnvelope(w, r, body); !ok {
			return
		}
	}

	var env dm.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		apierr.WriteKind(w, apierr.Validation, "invalid chat payload")
		return
	}

	if err := s.DM.Receive(r.Context(), env); err != nil {
		s.writeDMError(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}
