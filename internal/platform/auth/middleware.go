package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRoleKey  contextKey = "user_role"
	SessionIDKey contextKey = "session_id"
)

// SessionMiddleware authenticates bearer tokens against the session store.
// On routes where skipper returns true a valid token still attaches the
// caller's identity, but a missing or bad one is not an error.
func SessionMiddleware(issuer *TokenIssuer, store SessionStore, skipper func(echo.Context) bool, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				if c.Request().Header.Get("Authorization") != "" {
					if sess, err := authenticate(c, issuer, store, logger); err == nil {
						attach(c, sess)
					}
				}
				return next(c)
			}

			sess, err := authenticate(c, issuer, store, logger)
			if err != nil {
				return err
			}
			attach(c, sess)
			return next(c)
		}
	}
}

func authenticate(c echo.Context, issuer *TokenIssuer, store SessionStore, logger zerolog.Logger) (*Session, error) {
	tokenStr, err := bearerToken(c.Request())
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	claims, err := issuer.Parse(tokenStr)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	sess, err := store.Get(c.Request().Context(), claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "session expired or revoked")
	}
	if err != nil {
		logger.Error().Err(err).Str("session_id", claims.SessionID).Msg("session lookup failed")
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	if sess.UserID.String() != claims.Subject {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return sess, nil
}

func attach(c echo.Context, sess *Session) {
	req := c.Request()
	c.SetRequest(req.WithContext(WithIdentity(req.Context(), sess.UserID, sess.Role, sess.ID)))
	c.Set("user_id", sess.UserID.String())
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errors.New("invalid authorization format")
	}
	return token, nil
}

// WithIdentity stores the authenticated user on ctx.
func WithIdentity(ctx context.Context, userID uuid.UUID, role, sessionID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRoleKey, role)
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(UserIDKey).(uuid.UUID)
	return id
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(UserRoleKey).(string)
	return role
}

func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SessionIDKey).(string)
	return sid
}
