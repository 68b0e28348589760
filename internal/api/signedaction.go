package api

import (
	"net/http"

	"github.com/cyph3rasi/synapsis/internal/api/apiutil"
	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/auth"
	"github.com/cyph3rasi/synapsis/internal/cryptoutil"
	"github.com/cyph3rasi/synapsis/internal/models"
)

// verifySignedAction decodes a models.SignedAction from the request body and
// runs it through the C3 gate. Every mutating endpoint under /api/v1 sits
// behind auth.RequireAuth (the session cookie identifies who is asking) and
// this check (the signature proves intent), per spec.md §6. It also confirms
// the signed action's DID belongs to the same account as the session cookie,
// rejecting a signature valid for a different local account.
func (s *Server) verifySignedAction(w http.ResponseWriter, r *http.Request) (*models.User, models.SignedAction, bool) {
	sessionUser, _ := auth.UserFromContext(r.Context())

	var action models.SignedAction
	if !apiutil.DecodeJSON(w, r, &action) {
		return nil, action, false
	}

	actor, err := s.Verifier.VerifyUserAction(r.Context(), action)
	if err != nil {
		apierr.Write(w, apierr.FromSignedAction(err))
		return nil, action, false
	}

	if sessionUser != nil && sessionUser.ID != actor.ID {
		apierr.WriteKind(w, apierr.Forbidden, "signed action does not belong to the authenticated session")
		return nil, action, false
	}

	return actor, action, true
}

// dataString reads a string field out of a SignedAction's Data map, the
// shape every action handler unpacks its own payload from.
func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return v
}

// federationSigner returns a signing closure for internal/interactions and
// internal/dm's outbound envelopes. It unlocks the actor's private key
// in-process for the duration of one signature and never persists the
// decrypted bytes, per internal/identity.Service.Unlock's own contract. The
// password travels once, inside the already-verified SignedAction's data, for
// exactly the requests whose target requires outbound node delivery.
func (s *Server) federationSigner(actor *models.User, password string) func([]byte) (string, error) {
	return func(msg []byte) (string, error) {
		pkcs8, err := s.Identity.Unlock(actor, password)
		if err != nil {
			return "", err
		}
		priv, err := cryptoutil.ParsePrivateKeyPKCS8(pkcs8)
		if err != nil {
			return "", err
		}
		return cryptoutil.Sign(priv, msg)
	}
}
