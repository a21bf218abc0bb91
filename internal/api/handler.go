package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/internal/classify"
	"github.com/gamedeck/panel-gateway/internal/httpclient"
	"github.com/gamedeck/panel-gateway/pkg/model"
)

// Authenticator logs the gateway in and out of the panel backend.
type Authenticator interface {
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context, reason string) error
}

// Session exposes the stored session and its cached identity.
type Session interface {
	HasSession() bool
	Identity() (model.Identity, bool)
	SetIdentity(id model.Identity)
}

// forwardedHeaders are copied from the dashboard request to the backend call.
var forwardedHeaders = []string{"Content-Type", "Accept", httpclient.HeaderRequestID}

// SessionResponse is returned by GET /auth/session.
type SessionResponse struct {
	Authenticated bool            `json:"authenticated"`
	Identity      *model.Identity `json:"identity,omitempty"`
}

// Handler serves the auth routes and proxies /api/* through the request pipeline.
type Handler struct {
	logger  *zap.Logger
	auth    Authenticator
	session Session
	client  *httpclient.Client
	baseURL string
	meURL   string
}

// NewHandler creates a Handler. baseURL is the panel backend root; meURL is the
// absolute URL of the identity endpoint.
func NewHandler(logger *zap.Logger, auth Authenticator, session Session, client *httpclient.Client, baseURL, meURL string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:  logger,
		auth:    auth,
		session: session,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		meURL:   meURL,
	}
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req model.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apierr.New(apierr.KindValidation, fiber.StatusBadRequest, "Invalid login request body"))
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return writeError(c, apierr.New(apierr.KindValidation, fiber.StatusBadRequest, "username and password are required"))
	}

	if err := h.auth.Login(c.UserContext(), req.Username, req.Password); err != nil {
		h.logger.Warn("api.login_failed", zap.String("username", req.Username), zap.Error(err))
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	if err := h.auth.Logout(c.UserContext(), "logout"); err != nil {
		h.logger.Warn("api.logout_persist_failed", zap.Error(err))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Session handles GET /auth/session.
func (h *Handler) Session(c *fiber.Ctx) error {
	if !h.session.HasSession() {
		return c.JSON(SessionResponse{})
	}
	if id, ok := h.session.Identity(); ok {
		return c.JSON(SessionResponse{Authenticated: true, Identity: &id})
	}

	id, err := httpclient.FetchJSON[model.Identity](c.UserContext(), h.client, h.meURL, httpclient.RequestConfig{})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindAuth {
			return c.JSON(SessionResponse{})
		}
		return writeError(c, err)
	}
	h.session.SetIdentity(id)
	return c.JSON(SessionResponse{Authenticated: true, Identity: &id})
}

// Proxy handles ALL /api/* by replaying the request against the backend.
func (h *Handler) Proxy(c *fiber.Ctx) error {
	cfg := httpclient.RequestConfig{
		Method:  c.Method(),
		Headers: map[string]string{},
	}
	for _, name := range forwardedHeaders {
		if v := c.Get(name); v != "" {
			cfg.Headers[name] = v
		}
	}
	if body := c.Body(); len(body) > 0 {
		cfg.Body = append([]byte(nil), body...)
	}

	res, err := h.client.Do(c.UserContext(), h.baseURL+c.OriginalURL(), cfg)
	if err != nil {
		return writeError(c, err)
	}

	switch res.Kind {
	case classify.KindEmpty:
		return c.SendStatus(fiber.StatusNoContent)
	case classify.KindJSON:
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(res.Data)
	default:
		c.Set(fiber.HeaderContentType, res.ContentType)
		return c.Send(res.Data)
	}
}

// writeError renders err as a Structured Error. Client-side timeouts become 504
// and failures without an HTTP status become 502.
func writeError(c *fiber.Ctx, err error) error {
	var e *apierr.Error
	if !errors.As(err, &e) {
		e = apierr.New(apierr.KindUnknown, 0, "Unexpected error")
	}

	status := e.HTTPStatus
	switch {
	case e.Kind == apierr.KindTimeout:
		status = fiber.StatusGatewayTimeout
	case status == 0:
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(e)
}
