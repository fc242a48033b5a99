// Package api serves the JSON endpoints around the chat socket: the interest
// catalogue and the signed-in user's interest selection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fugue/chat-server/internal/interests"
	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/session"
)

const requestTimeout = 5 * time.Second

// Catalogue lists interests and resolves their names.
type Catalogue interface {
	List() []interests.Interest
	InterestName(id int) (string, bool)
}

// Users reads and replaces per-user interest selections.
type Users interface {
	AllowedInterests(ctx context.Context, userID int64) ([]int, error)
	ReplaceUserInterests(ctx context.Context, userID int64, ids []int) error
}

// Authenticator resolves a session token to an identity.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (matching.Identity, error)
}

// Mux is satisfied by *http.ServeMux and *ws.Server.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

// API holds the endpoint dependencies.
type API struct {
	catalogue Catalogue
	users     Users
	auth      Authenticator
	cookie    string
	logger    zerolog.Logger
}

// New creates an API. cookie names the session cookie.
func New(catalogue Catalogue, users Users, auth Authenticator, cookie string, logger zerolog.Logger) *API {
	return &API{catalogue: catalogue, users: users, auth: auth, cookie: cookie, logger: logger}
}

// Mount registers the routes on mux.
func (a *API) Mount(mux Mux) {
	mux.Handle("GET /api/interests", http.HandlerFunc(a.listInterests))
	mux.Handle("GET /api/me", http.HandlerFunc(a.me))
	mux.Handle("POST /api/user/interests", http.HandlerFunc(a.replaceInterests))
}

type userPayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type interestsResponse struct {
	Interests []interests.Interest `json:"interests"`
}

type meResponse struct {
	User      userPayload          `json:"user"`
	Interests []interests.Interest `json:"interests"`
}

type replaceRequest struct {
	InterestIDs []int `json:"interestIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) listInterests(w http.ResponseWriter, r *http.Request) {
	list := a.catalogue.List()
	if list == nil {
		list = []interests.Interest{}
	}
	writeJSON(w, http.StatusOK, interestsResponse{Interests: list})
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := a.authenticate(ctx, w, r)
	if !ok {
		return
	}
	list, err := a.userInterests(ctx, id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Int64("user", id.UserID).Msg("load user interests")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Unable to load user session."})
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:      userPayload{ID: id.UserID, Username: id.DisplayName},
		Interests: list,
	})
}

func (a *API) replaceInterests(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, ok := a.authenticate(ctx, w, r)
	if !ok {
		return
	}

	var req replaceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body."})
		return
	}

	err := a.users.ReplaceUserInterests(ctx, id.UserID, a.known(req.InterestIDs))
	if errors.Is(err, interests.ErrReadOnly) {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "Interest selection is not available."})
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Int64("user", id.UserID).Msg("replace user interests")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Unable to update interests."})
		return
	}

	list, err := a.userInterests(ctx, id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Int64("user", id.UserID).Msg("reload user interests")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Unable to update interests."})
		return
	}
	writeJSON(w, http.StatusOK, interestsResponse{Interests: list})
}

func (a *API) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (matching.Identity, bool) {
	id, err := a.auth.Resolve(ctx, session.TokenFromRequest(r, a.cookie))
	if err != nil {
		if !errors.Is(err, session.ErrNoSession) {
			a.logger.Error().Err(err).Msg("session lookup failed")
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Not authenticated"})
		return matching.Identity{}, false
	}
	return id, true
}

// userInterests returns the user's interests with names, in the order the
// directory returns them.
func (a *API) userInterests(ctx context.Context, userID int64) ([]interests.Interest, error) {
	ids, err := a.users.AllowedInterests(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]interests.Interest, 0, len(ids))
	for _, id := range ids {
		if name, ok := a.catalogue.InterestName(id); ok {
			out = append(out, interests.Interest{ID: id, Name: name})
		}
	}
	return out, nil
}

// known drops duplicates and ids missing from the catalogue.
func (a *API) known(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		if _, ok := a.catalogue.InterestName(id); !ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
