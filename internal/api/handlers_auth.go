package api

import (
	"errors"
	"net/http"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/identity"
	"github.com/cyph3rasi/synapsis/internal/models"
)

type registerRequest struct {
	Handle      string `json:"handle"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatarUrl"`
}

type sessionResponse struct {
	ID          string  `json:"id"`
	DID         string  `json:"did"`
	Handle      string  `json:"handle"`
	FullHandle  string  `json:"fullHandle"`
	Email       *string `json:"email,omitempty"`
	DisplayName string  `json:"displayName"`
	Bio         string  `json:"bio"`
	AvatarURL   string  `json:"avatarUrl"`
	IsBot       bool    `json:"isBot"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.Config.Auth.RegistrationEnabled {
		apierr.WriteKind(w, apierr.Forbidden, "registration is disabled on this node")
		return
	}

	var req registerRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "handle", req.Handle) ||
		!apiutil.RequireNonEmpty(w, "email", req.Email) ||
		!apiutil.RequireNonEmpty(w, "password", req.Password) {
		return
	}

	user, err := s.Identity.Register(r.Context(), req.Handle, req.Email, req.Password, identity.Profile{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}

	s.finishLogin(w, r, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "email", req.Email) || !apiutil.RequireNonEmpty(w, "password", req.Password) {
		return
	}

	user, err := s.Identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}

	s.finishLogin(w, r, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil {
		_ = s.Identity.DestroySession(r.Context(), cookie.Value)
	}
	auth.ClearSessionCookie(w, s.Config.Auth.CookieSecure)
	apiutil.WriteNoContent(w)
}

func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, user *models.User) {
	sess, err := s.Identity.CreateSession(r.Context(), user.ID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "creating session", err)
		return
	}
	auth.SetSessionCookie(w, sess.ID, s.Config.Auth.CookieSecure)
	apiutil.WriteJSON(w, http.StatusOK, userToSessionResponse(user))
}

func userToSessionResponse(user *models.User) sessionResponse {
	return sessionResponse{
		ID:          user.ID,
		DID:         user.DID,
		Handle:      user.Handle,
		FullHandle:  user.FullHandle(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Bio:         user.Bio,
		AvatarURL:   user.AvatarURL,
		IsBot:       user.IsBot,
	}
}

func (s *Server) writeIdentityError(w http.ResponseWriter, err error) {
	var idErr *identity.Error
	if !errors.As(err, &idErr) {
		apiutil.InternalError(w, s.Logger, "identity operation failed", err)
		return
	}
	switch idErr.Kind {
	case identity.ErrHandleTaken, identity.ErrEmailTaken, identity.ErrValidationError:
		apierr.WriteKind(w, apierr.Validation, idErr.Message)
	case identity.ErrBadCredentials:
		apierr.WriteKind(w, apierr.AuthRequired, idErr.Message)
	default:
		apierr.WriteKind(w, apierr.Internal, idErr.Message)
	}
}
