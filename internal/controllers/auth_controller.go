package controllers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stepflow-io/stepflow/internal/config"
	"github.com/stepflow-io/stepflow/internal/core"
	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/models"
	"github.com/stepflow-io/stepflow/internal/util"
)

// UserRepo is the persistence surface the auth layer needs.
type UserRepo interface {
	FindBySessionID(sessionID string, now time.Time) (*domain.User, error)
	FindByApiKey(apiKey string) (*domain.User, error)
	FindAll() (*[]domain.User, error)
	Save(user *domain.User) (int64, error)
	FindById(id int64) (*domain.User, error)
	DeleteById(id int64) error
	FindByUsername(username string) (*domain.User, error)
	UpdateSession(userID int64, sessionID string, expiry time.Time) error
	ClearSessionBySessionID(sessionID string) error
}

type AuthController struct {
	UserRepo UserRepo
}

func NewBaseController(userRepo UserRepo) *AuthController {
	return &AuthController{UserRepo: userRepo}
}

func (c *AuthController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", c.handleLogin)
	mux.HandleFunc("POST /api/logout", c.handleLogout)
}

func (wc *AuthController) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Tag every authenticated request so audit events can be correlated
		ctx := context.WithValue(r.Context(), core.CtxKeyRequestId, uuid.NewString())
		// 1) Try session cookie
		if c, err := r.Cookie("sessionId"); err == nil && c.Value != "" {
			u, err := wc.UserRepo.FindBySessionID(c.Value, time.Now().UTC())
			if err == nil && u != nil {
				ctx = context.WithValue(ctx, core.CtxKeyUsername, u.Username)
				next(w, r.WithContext(ctx))
				return
			}
		}
		// 2) Try API key from headers
		// Supported headers: X-API-Key: <key>
		apiKey := r.Header.Get("X-API-Key")
		if apiKey != "" {
			u, err := wc.UserRepo.FindByApiKey(apiKey)
			if err == nil && u != nil {
				ctx = context.WithValue(ctx, core.CtxKeyUsername, u.Username)
				next(w, r.WithContext(ctx))
				return
			}
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
}

func (wc *AuthController) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.LoginRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}
	u, err := wc.UserRepo.FindByUsername(req.Username)
	if err != nil {
		slog.Error("FindByUsername failed", "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	if u == nil || (u.Enabled.Valid && !u.Enabled.Bool) {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("rand.Read failed", "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	sessionID := hex.EncodeToString(buf)
	expiryHours := config.GetSystemSettingInteger(config.WEB_SESSION_EXPIRY_HOURS)
	expires := time.Now().Add(time.Duration(expiryHours) * time.Hour)
	if err := wc.UserRepo.UpdateSession(u.ID, sessionID, expires); err != nil {
		slog.Error("UpdateSession failed", "error", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "sessionId",
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	})
	util.WriteJSONResponse(w, http.StatusOK, models.LoginResponse{SessionID: sessionID})
}

func (wc *AuthController) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("sessionId"); err == nil && c.Value != "" {
		if err := wc.UserRepo.ClearSessionBySessionID(c.Value); err != nil {
			slog.Error("ClearSessionBySessionID failed", "error", err)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "sessionId",
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}
