package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
)

const streamHeartbeat = 15 * time.Second

// Handler exposes the session operations over HTTP. Every route expects the
// authenticated subject in c.Locals("user_id").
type Handler struct {
	manager *Manager
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type accountResponse struct {
	ID              string          `json:"id"`
	WalletAddress   string          `json:"wallet_address"`
	Balance         decimal.Decimal `json:"balance"`
	IsLocked        bool            `json:"is_locked"`
	AutoLockMinutes int             `json:"auto_lock_minutes"`
	LastActiveAt    time.Time       `json:"last_active_at"`
}

func toResponse(snap changefeed.AccountSnapshot) accountResponse {
	return accountResponse{
		ID:              snap.AccountID,
		WalletAddress:   snap.WalletAddress,
		Balance:         snap.Balance,
		IsLocked:        snap.IsLocked,
		AutoLockMinutes: snap.AutoLockMinutes,
		LastActiveAt:    snap.LastActiveAt,
	}
}

type transactionResponse struct {
	ID               string          `json:"id"`
	SenderAddress    string          `json:"sender_address"`
	RecipientAddress string          `json:"recipient_address"`
	Amount           decimal.Decimal `json:"amount"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toTransactionResponse(tx ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:               tx.ID,
		SenderAddress:    tx.SenderAddress,
		RecipientAddress: tx.RecipientAddress,
		Amount:           tx.Amount,
		Type:             tx.Type,
		Status:           tx.Status,
		CreatedAt:        tx.CreatedAt,
	}
}

func (h *Handler) session(c *fiber.Ctx) (*Session, error) {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return nil, fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	s, err := h.manager.Get(c.UserContext(), uid)
	if err != nil {
		return nil, toHTTPError(err)
	}
	return s, nil
}

// Ensure provisions the caller's account if it does not exist yet.
func (h *Handler) Ensure(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	account, err := s.EnsureAccount(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(account.Snapshot()))
}

// Get returns the authoritative account state.
func (h *Handler) Get(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.RefreshBalance(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(snap))
}

// ToggleLock flips the wallet lock.
func (h *Handler) ToggleLock(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.ToggleLock(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(snap))
}

type autoLockRequest struct {
	Minutes *int `json:"minutes"`
}

// UpdateAutoLock stores the inactivity timeout.
func (h *Handler) UpdateAutoLock(c *fiber.Ctx) error {
	var req autoLockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Minutes == nil {
		return fiber.NewError(http.StatusBadRequest, "minutes is required")
	}
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.UpdateAutoLockMinutes(c.UserContext(), *req.Minutes)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(snap))
}

type transferRequest struct {
	RecipientAddress string          `json:"recipient_address"`
	Amount           decimal.Decimal `json:"amount"`
}

// Transfer sends funds to another address.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	s, err := h.session(c)
	if err != nil {
		return err
	}
	res, err := s.Transfer(c.UserContext(), req.RecipientAddress, req.Amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction":        toTransactionResponse(res.Transaction),
		"balance":            res.Balance,
		"recipient_credited": res.RecipientCredited,
	})
}

// Transactions lists the newest history entries.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	txs, err := s.History(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out})
}

// Stream pushes account snapshots as server-sent events until the client
// goes away or the session ends.
func (h *Handler) Stream(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := s.Subscribe(ctx)
	if err != nil {
		cancel()
		return toHTTPError(err)
	}
	initial, hasInitial := s.Snapshot()

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		if hasInitial {
			if err := writeEvent(w, initial); err != nil {
				return
			}
		}
		ticker := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				if err := writeEvent(w, snap); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, snap changefeed.AccountSnapshot) error {
	data, err := json.Marshal(toResponse(snap))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: account\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// toHTTPError maps domain errors onto status codes. Transient failures are
// checked first because an exhausted retry also carries its cause.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrTransientStore):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ledger.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrProfileNotFound):
		return fiber.NewError(http.StatusNotFound, "profile not found")
	case errors.Is(err, ErrWalletLocked):
		return fiber.NewError(http.StatusLocked, "wallet is locked")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
