package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/statesync"
	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	viewerContextKey = "tether_viewer"
	maxRequestBytes  = 4 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingResponder        = errors.New("sync responder dependency required")
)

// SessionValidator authenticates the session token carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// SyncResponder answers sync protocol messages.
type SyncResponder interface {
	Sync(ctx context.Context, current viewer.Viewer, request statesync.Request) (statesync.Response, statesync.Connection, error)
	HandleResponses(ctx context.Context, connection statesync.Connection, responses []statesync.ClientResponse) ([]statesync.ServerRequest, statesync.Connection, error)
	AckUpdates(ctx context.Context, connection statesync.Connection, currentAsOf int64) (statesync.Connection, error)
	FetchUpdates(ctx context.Context, connection statesync.Connection, currentAsOf int64) (statesync.UpdatesPush, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Identities       IdentityResolver
	Responder        SyncResponder
	Realtime         *RealtimeDispatcher
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the sync protocol over HTTP
// and WebSocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Responder == nil {
		return nil, errMissingResponder
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(gzipMiddleware())

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		identities: deps.Identities,
		responder:  deps.Responder,
		realtime:   realtime,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	synced := router.Group("/")
	synced.Use(handler.resolveViewer)
	synced.POST("/ping", handler.handlePing)
	synced.GET("/ws", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	responder  SyncResponder
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// resolveViewer attaches the requesting viewer to the context. Requests
// without a session token proceed anonymously.
func (h *httpHandler) resolveViewer(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
		c.Set(viewerContextKey, viewer.Anonymous())
		c.Next()
		return
	case err != nil:
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}
	c.Set(viewerContextKey, viewer.Viewer{
		UserID:   userID,
		CookieID: claims.CookieID(),
		LoggedIn: true,
	})
	c.Next()
}

func (h *httpHandler) handlePing(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request, err := statesync.DecodeRequest(body)
	if err != nil {
		h.logger.Info("sync request rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, _, err := h.responder.Sync(c.Request.Context(), viewerFromContext(c), request)
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("sync failed", zap.Error(err))
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, response)
}

func viewerFromContext(c *gin.Context) viewer.Viewer {
	value, ok := c.Get(viewerContextKey)
	if !ok {
		return viewer.Anonymous()
	}
	current, ok := value.(viewer.Viewer)
	if !ok {
		return viewer.Anonymous()
	}
	return current
}

type codedError interface {
	Code() string
}

// errorResponse maps a sync failure onto an HTTP status and error body.
func errorResponse(err error) (int, gin.H) {
	var status int
	body := gin.H{}
	switch {
	case errors.Is(err, statesync.ErrInvalidRequest):
		status = http.StatusBadRequest
		body["error"] = "invalid_request"
	case errors.Is(err, viewer.ErrAnonymousViewer):
		status = http.StatusUnauthorized
		body["error"] = "unauthorized"
	default:
		status = http.StatusInternalServerError
		body["error"] = "sync_failed"
	}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	return status, body
}
