package identity

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type verifyRequest struct {
	IdentityNumber string `json:"identity_number"`
}

type signUpRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	IdentityNumber string `json:"identity_number"`
}

type userResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Verify checks an identity number before the credential form is shown.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ok, err := h.service.VerifyIdentity(c.UserContext(), req.IdentityNumber)
	if err != nil {
		return ToHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"verified": ok})
}

// SignUp registers a new user.
func (h *Handler) SignUp(c *fiber.Ctx) error {
	var req signUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.service.Register(c.UserContext(), Credentials{
		Email:          req.Email,
		Password:       req.Password,
		IdentityNumber: req.IdentityNumber,
	})
	if err != nil {
		return ToHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(userResponse{UserID: user.ID, Email: user.Email})
}

// ToHTTPError maps identity errors onto status codes.
func ToHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIdentityNotVerified):
		return fiber.NewError(http.StatusForbidden, "invalid identity number")
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUserNotFound):
		return fiber.NewError(http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, ErrUserExists):
		return fiber.NewError(http.StatusConflict, "user already exists")
	default:
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
}
