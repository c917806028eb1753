package apitest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey struct{}

type user struct {
	ID       int64
	Name     string
	Password string
	Email    string
	Tel      string
	Admin    bool
	Member   bool
}

func (u *user) profile() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   u.ID,
		"user_name": u.Name,
		"email":     u.Email,
		"tel":       u.Tel,
		"is_member": u.Member,
		"is_admin":  u.Admin,
	}
}

// AddUser creates an account and returns its id.
func (s *Server) AddUser(name, password string, admin bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(name, password, admin)
}

func (s *Server) addUserLocked(name, password string, admin bool) int64 {
	s.nextID++
	id := s.nextID
	s.users[id] = &user{ID: id, Name: name, Password: password, Email: name + "@example.com", Tel: "13800000000", Admin: admin}
	return id
}

// IssueToken signs a token for userID that expires after the configured
// token TTL.
func (s *Server) IssueToken(userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", fmt.Errorf("unknown user %d", userID)
	}
	return s.issueLocked(u)
}

func (s *Server) issueLocked(u *user) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id":  u.ID,
		"username": u.Name,
		"is_admin": u.Admin,
		"iat":      now.Unix(),
		"exp":      now.Add(s.tokenTTL).Unix(),
		"jti":      uuid.NewString(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return raw, nil
}

func (s *Server) verify(raw string) (*user, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.clock), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		return nil, errors.New("token has no user_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[int64(id)]
	if !ok {
		return nil, errors.New("user no longer exists")
	}
	return u, nil
}

func (s *Server) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// authMiddleware requires a valid 'Authorization: Bearer <token>' header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		u, err := s.verify(parts[1])
		if err != nil {
			s.logger.Debug().Err(err).Str("uri", r.RequestURI).Msg("Rejected token")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).Admin {
			writeDetail(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownerMiddleware rejects access to another user's resources.
func (s *Server) ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "userID")
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid user id")
			return
		}
		if u := currentUser(r); u.ID != id && !u.Admin {
			writeDetail(w, http.StatusForbidden, "Unauthorized to access this resource")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) *user {
	u, _ := r.Context().Value(ctxKey{}).(*user)
	if u == nil {
		return &user{}
	}
	return u
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil || req.Username == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}

	s.mu.Lock()
	var found *user
	for _, u := range s.users {
		if u.Name == req.Username && u.Password == req.Password {
			found = u
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password.")
		return
	}
	token, err := s.issueLocked(found)
	s.mu.Unlock()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(token, found))
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Tel      string `json:"tel"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	if len(req.Username) < 3 || len(req.Password) < 6 {
		writeDetail(w, http.StatusBadRequest, "Username must be at least 3 characters and password at least 6.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name == req.Username {
			writeDetail(w, http.StatusBadRequest, "Username or email has already been registered.")
			return
		}
	}
	id := s.addUserLocked(req.Username, req.Password, false)
	if req.Email != "" {
		s.users[id].Email = req.Email
	}
	if req.Tel != "" {
		s.users[id].Tel = req.Tel
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "User registration successful.",
		"user_id":  id,
		"username": req.Username,
	})
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	s.mu.Lock()
	token, err := s.issueLocked(u)
	s.mu.Unlock()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(token, u))
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, currentUser(r).profile())
}

func tokenResponse(token string, u *user) map[string]interface{} {
	return map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"user_id":      u.ID,
		"user_name":    u.Name,
		"is_admin":     u.Admin,
	}
}
