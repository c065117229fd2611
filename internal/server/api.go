package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/storage"
)

const maxCredentialsBody = 4 << 10

// UserStore is the user directory used by the account endpoints.
type UserStore interface {
	Create(ctx context.Context, user *storage.User) error
	FindByUsername(ctx context.Context, username string) (*storage.User, error)
	List(ctx context.Context) ([]storage.User, error)
}

// HistoryStore answers conversation history queries.
type HistoryStore interface {
	Conversation(ctx context.Context, a, b string) ([]storage.Message, error)
}

// Credentials is the body of /register and /login.
type Credentials struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
	Password string `json:"password" validate:"required,min=1,max=72"`
}

// Person is one entry of /people.
type Person struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
}

type idResponse struct {
	ID string `json:"id"`
}

// API serves the account, directory and history endpoints.
type API struct {
	users        UserStore
	history      HistoryStore
	tokens       *identity.JWTManager
	hasher       *identity.PasswordHasher
	validate     *validator.Validate
	cookieSecure bool
	tokenTTL     time.Duration
	newID        func() string
}

// NewAPI creates the HTTP API handlers.
func NewAPI(users UserStore, history HistoryStore, tokens *identity.JWTManager, hasher *identity.PasswordHasher, cookieSecure bool, tokenTTL time.Duration) *API {
	return &API{
		users:        users,
		history:      history,
		tokens:       tokens,
		hasher:       hasher,
		validate:     validator.New(),
		cookieSecure: cookieSecure,
		tokenTTL:     tokenTTL,
		newID:        storage.NewID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) decodeCredentials(w http.ResponseWriter, r *http.Request) (Credentials, bool) {
	var creds Credentials
	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialsBody)
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return creds, false
	}
	if err := a.validate.Struct(creds); err != nil {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return creds, false
	}
	return creds, true
}

func (a *API) setTokenCookie(w http.ResponseWriter, id identity.Identity) error {
	token, err := a.tokens.Issue(id)
	if err != nil {
		return err
	}
	cookie := &http.Cookie{
		Name:     identity.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteNoneMode,
	}
	if !a.cookieSecure {
		// Browsers reject SameSite=None without Secure.
		cookie.SameSite = http.SameSiteLaxMode
	}
	if a.tokenTTL > 0 {
		cookie.MaxAge = int(a.tokenTTL / time.Second)
	}
	http.SetCookie(w, cookie)
	return nil
}

// Register creates an account and signs the caller in.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	hash, err := a.hasher.Hash(creds.Password)
	if err != nil {
		logging.Error().Err(err).Msg("failed to hash password")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}

	user := &storage.User{ID: a.newID(), Username: creds.Username, PasswordHash: hash}
	if err := a.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		logging.Error().Err(err).Msg("failed to create user")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}

	if err := a.setTokenCookie(w, identity.Identity{UserID: user.ID, Username: user.Username}); err != nil {
		logging.Error().Err(err).Msg("failed to issue token")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}
	logging.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	writeJSON(w, http.StatusCreated, idResponse{ID: user.ID})
}

// Login verifies credentials and sets the identity cookie.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := a.users.FindByUsername(r.Context(), creds.Username)
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		logging.Error().Err(err).Msg("failed to look up user")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}
	if user == nil || !a.hasher.Verify(creds.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := a.setTokenCookie(w, identity.Identity{UserID: user.ID, Username: user.Username}); err != nil {
		logging.Error().Err(err).Msg("failed to issue token")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: user.ID})
}

// Logout clears the identity cookie.
func (a *API) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
	})
	writeJSON(w, http.StatusOK, "ok")
}

func (a *API) caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	token := identity.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "no token")
		return identity.Identity{}, false
	}
	id, err := a.tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return identity.Identity{}, false
	}
	return id, true
}

// Profile returns the caller's identity.
func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// People lists every known user.
func (a *API) People(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.List(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("failed to list users")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}
	people := make([]Person, 0, len(users))
	for _, u := range users {
		people = append(people, Person{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, people)
}

// Messages returns the history between the caller and {userId}, oldest first.
func (a *API) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	other := chi.URLParam(r, "userId")
	if other == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	msgs, err := a.history.Conversation(r.Context(), id.UserID, other)
	if err != nil {
		logging.Error().Err(err).Str("user_id", id.UserID).Msg("failed to load history")
		writeError(w, http.StatusInternalServerError, "error")
		return
	}
	out := make([]DeliveredMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, NewDeliveredMessage(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
