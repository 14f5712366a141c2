package server

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/gateway"
	"github.com/MarvelSK/Isegoria/internal/media"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/internal/server/middleware"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type registerRequest struct {
	Username string `json:"username"`
}

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type postMessageRequest struct {
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId"`
}

func (a *App) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Wrap(apperr.CodeValidation, "invalid body", err))
		return
	}
	user, token, err := a.sessions.Register(req.Username)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      userView{ID: user.ID.String(), Username: user.Username, CreatedAt: user.CreatedAt},
		"sessionId": token,
	})
}

func (a *App) activeUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": a.gateway.ActiveUsers()})
}

func (a *App) listMessages(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		a.respondError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if limit < 1 {
		a.respondError(c, apperr.New(apperr.CodeValidation, "limit must be positive"))
		return
	}
	limit = min(limit, maxPageSize)

	msgs := a.messages.List(limit, offset)
	c.JSON(http.StatusOK, gin.H{"messages": protocol.Views(msgs, c.Query("username"))})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.CodeValidation, key+" must be a non-negative integer")
	}
	return n, nil
}

func (a *App) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apperr.Wrap(apperr.CodeValidation, "invalid body", err))
		return
	}
	author := middleware.Username(c)
	msg, err := a.gateway.Publish(c.Request.Context(), gateway.Submission{
		Author:    author,
		Body:      req.Content,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": protocol.View(msg, author)})
}

func (a *App) uploadImage(c *gin.Context) {
	maxBytes := a.config.Upload.MaxBytes
	// leave room for the multipart framing around the file
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+64<<10)

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			a.respondError(c, apperr.New(apperr.CodePayloadTooLarge, "image is too large"))
		default:
			a.respondError(c, apperr.Wrap(apperr.CodeValidation, "no image provided", err))
		}
		return
	}
	if header.Size > maxBytes {
		a.respondError(c, apperr.New(apperr.CodePayloadTooLarge, "image is too large"))
		return
	}
	file, err := header.Open()
	if err != nil {
		a.respondError(c, apperr.Wrap(apperr.CodeInternal, "failed to read upload", err))
		return
	}
	defer file.Close()

	dataURL, err := media.EncodeImage(file, maxBytes)
	if err != nil {
		a.respondError(c, err)
		return
	}

	author := middleware.Username(c)
	msg, err := a.gateway.Publish(c.Request.Context(), gateway.Submission{
		Author:    author,
		Image:     dataURL,
		ReplyToID: c.PostForm("replyToId"),
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": protocol.View(msg, author)})
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": a.gateway.ActiveConnections(),
	})
}

// respondError writes err as an error envelope with the status of its code.
func (a *App) respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		a.logger.Error("Request failed", slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	}
	if retry := apperr.RetryAfterOf(err); retry > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}
	c.AbortWithStatusJSON(code.HTTPStatus(), protocol.ErrorOf(err))
}
