package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/avatar"
	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/economy"
	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/store"
)

// Error codes returned in {"ok":false,"error":code}.
const (
	CodeBadKey         = "bad_key"
	CodeBadRequest     = "bad_request"
	CodeNoUser         = "no_user"
	CodeNoPrefix       = "no_prefix"
	CodeNoFunds        = "no_funds"
	CodeNotOwned       = "not_owned"
	CodeTooFrequent    = "too_frequent"
	CodeNoFile         = "no_file"
	CodeUploadError    = "upload_error"
	CodeFileTooLarge   = "file_too_large"
	CodePNGOnly        = "png_only"
	CodeBadPNG         = "bad_png"
	CodeAvatarTooLarge = "avatar_too_large"
	CodeServerError    = "server_error"
)

const (
	maxJSONBody = 4 << 10
	// multipart framing and the key field on top of the file itself
	multipartOverhead = 64 << 10
	avatarField       = "avatar"

	headerRemaining   = "X-RateLimit-Remaining"
	retryAfterSeconds = "1"
)

type keyRequest struct {
	Key string `json:"key"`
}

type prefixRequest struct {
	Key      string `json:"key"`
	PrefixID string `json:"prefix_id"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type shopResponse struct {
	OK bool `json:"ok"`
	economy.Shop
}

type balanceResponse struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
}

type buyResponse struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
	Owned   bool  `json:"owned"`
}

type activateResponse struct {
	OK             bool   `json:"ok"`
	ActivePrefixID string `json:"active_prefix_id"`
	Prefix         string `json:"prefix"`
}

type avatarResponse struct {
	OK        bool   `json:"ok"`
	AvatarURL string `json:"avatar_url"`
	AvatarVer int64  `json:"avatar_ver"`
}

// HandleHealth reports liveness.
func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleShop returns the catalog annotated for ?key=.
func (c *Controller) HandleShop(w http.ResponseWriter, r *http.Request) {
	key, ok := c.requireKey(w, r.URL.Query().Get("key"))
	if !ok {
		return
	}

	shop, err := c.economy.Shop(r.Context(), key)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shopResponse{OK: true, Shop: shop})
}

// HandleBalance accrues one unit and returns the new balance.
func (c *Controller) HandleBalance(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	key, ok := c.requireKey(w, req.Key)
	if !ok {
		return
	}

	balance, err := c.economy.Accrue(r.Context(), key)
	c.setQuotaHeaders(w, r, key)
	if err != nil {
		if errors.Is(err, economy.ErrTooFrequent) {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{OK: true, Balance: balance})
}

// setQuotaHeaders reports the accruals left in the current window when the
// guard is enabled.
func (c *Controller) setQuotaHeaders(w http.ResponseWriter, r *http.Request, key string) {
	if n, ok := c.economy.Remaining(r.Context(), key); ok {
		w.Header().Set(headerRemaining, strconv.Itoa(n))
	}
}

// HandleBuy purchases a prefix.
func (c *Controller) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	key, ok := c.requireKey(w, req.Key)
	if !ok {
		return
	}

	purchase, err := c.economy.Buy(r.Context(), key, req.PrefixID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buyResponse{OK: true, Balance: purchase.Balance, Owned: true})
}

// HandleActivate makes an owned prefix active.
func (c *Controller) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var req prefixRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	key, ok := c.requireKey(w, req.Key)
	if !ok {
		return
	}

	p, err := c.economy.Activate(r.Context(), key, req.PrefixID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{
		OK:             true,
		ActivePrefixID: p.ActivePrefixID,
		Prefix:         c.economy.Label(p.ActivePrefixID),
	})
}

// HandleAvatar accepts a multipart upload with the file in field "avatar"
// and the identity in field "key".
func (c *Controller) HandleAvatar(w http.ResponseWriter, r *http.Request) {
	limit := c.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: CodeFileTooLarge})
			return
		}
		c.log.Debug("multipart parse failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: CodeUploadError})
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	var data []byte
	var mimeType string
	file, header, err := r.FormFile(avatarField)
	if err == nil {
		defer file.Close()
		if header.Size > limit {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: CodeFileTooLarge})
			return
		}
		data, err = io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			c.log.Debug("avatar read failed", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: CodeUploadError})
			return
		}
		if int64(len(data)) > limit {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: CodeFileTooLarge})
			return
		}
		mimeType = header.Header.Get("Content-Type")
	}

	key, ok := c.requireKey(w, r.FormValue("key"))
	if !ok {
		return
	}
	if _, err := c.profiles.GetProfile(r.Context(), key); err != nil {
		c.writeError(w, r, err)
		return
	}
	if data == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: CodeNoFile})
		return
	}

	p, err := c.avatars.ApplyAvatarUpload(r.Context(), key, mimeType, data)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avatarResponse{OK: true, AvatarURL: p.AvatarURL, AvatarVer: p.AvatarVer})
}

func (c *Controller) requireKey(w http.ResponseWriter, raw string) (string, bool) {
	key := protocol.NormalizeKey(raw)
	if !protocol.ValidKey(key) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: CodeBadKey})
		return "", false
	}
	return key, true
}

func (c *Controller) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err == nil {
		err = protocol.DecodeStrictReader(bytes.NewReader(body), v)
	}
	if err != nil {
		c.log.Debug("request body rejected", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: CodeBadRequest})
		return false
	}
	return true
}

// writeError maps domain errors onto a code and status. Unclassified errors
// are logged and reported as server_error.
func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		c.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, catalog.ErrUnknownPrefix):
		return http.StatusNotFound, CodeNoPrefix
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNoUser
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusBadRequest, CodeNoFunds
	case errors.Is(err, store.ErrNotOwned):
		return http.StatusForbidden, CodeNotOwned
	case errors.Is(err, economy.ErrTooFrequent):
		return http.StatusTooManyRequests, CodeTooFrequent
	case errors.Is(err, avatar.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, CodePNGOnly
	case errors.Is(err, avatar.ErrBadSignature):
		return http.StatusUnsupportedMediaType, CodeBadPNG
	case errors.Is(err, avatar.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, CodeAvatarTooLarge
	case errors.Is(err, protocol.ErrInvalidPayload):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
