// Package apierr maps service errors to HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	chatService "github.com/zhouzirui/tripmate/backend/internal/service/chat"
	"github.com/zhouzirui/tripmate/backend/internal/service/media"
	"github.com/zhouzirui/tripmate/backend/internal/service/presence"
	"github.com/zhouzirui/tripmate/backend/internal/store"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

var badRequest = []error{
	chatService.ErrParticipantRequired,
	chatService.ErrSelfConversation,
	chatService.ErrConversationRequired,
	chat.ErrBlankMessage,
	chat.ErrUnknownMessageType,
	chat.ErrImageTypeMismatch,
	chat.ErrIncompleteFile,
	chat.ErrEmptyEmoji,
	media.ErrInvalidPath,
	presence.ErrUserRequired,
}

var notFound = []error{
	chatService.ErrConversationNotFound,
	chatService.ErrMessageNotFound,
	store.ErrNotFound,
	media.ErrObjectNotFound,
}

var forbidden = []error{
	chatService.ErrNotParticipant,
	chatService.ErrSenderMismatch,
	media.ErrForbidden,
}

// Status returns the HTTP status for err.
func Status(err error) int {
	var validation *chat.ValidationError
	switch {
	case errors.As(err, &validation), isAny(err, badRequest):
		return http.StatusBadRequest
	case isAny(err, notFound):
		return http.StatusNotFound
	case isAny(err, forbidden):
		return http.StatusForbidden
	case errors.Is(err, chatService.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Write responds with the status of err. Internal errors are logged and
// their message is not exposed.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError {
		logger.Error("request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
