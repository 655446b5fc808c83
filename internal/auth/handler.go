package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mhc-wallet/mhc_wallet/internal/identity"
)

// SessionHooks is told when a subject signs in or out.
type SessionHooks interface {
	OnSignIn(ctx context.Context, subjectID string) error
	OnSignOut(subjectID string)
}

// Handler exposes auth endpoints for login/refresh/logout.
type Handler struct {
	ids      *identity.Service
	svc      *Service
	sessions SessionHooks
	logger   *slog.Logger
}

func NewHandler(ids *identity.Service, svc *Service, sessions SessionHooks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ids: ids, svc: svc, sessions: sessions, logger: logger}
}

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	IdentityNumber string `json:"identity_number"`
}

type loginResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenVersion int    `json:"token_version"`
}

// Login validates credentials, starts the wallet session and returns a token pair.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.ids.Authenticate(c.UserContext(), identity.Credentials{
		Email:          req.Email,
		Password:       req.Password,
		IdentityNumber: req.IdentityNumber,
	})
	if err != nil {
		return identity.ToHTTPError(err)
	}
	pair, err := h.svc.Login(user)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	if h.sessions != nil {
		if err := h.sessions.OnSignIn(c.UserContext(), user.ID); err != nil {
			h.logger.Error("start wallet session failed", slog.String("user_id", user.ID), slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "wallet unavailable, try again")
		}
	}
	return c.Status(http.StatusOK).JSON(loginResponse{
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenVersion: user.TokenVersion,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh issues a new access token using a valid refresh token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	token, exp, err := h.svc.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return fiber.NewError(http.StatusUnauthorized, "invalid refresh token")
		}
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"access_token": token, "expires_in": exp})
}

// Logout invalidates existing tokens and tears the wallet session down.
func (h *Handler) Logout(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	if err := h.svc.Logout(c.UserContext(), uid); err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	if h.sessions != nil {
		h.sessions.OnSignOut(uid)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}
