package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	ErrNotAMember           = fmt.Errorf("not a member of the room")
	ErrAlreadyDeleted       = fmt.Errorf("message already deleted")
	ErrDuplicateReaction    = fmt.Errorf("reaction already exists")
	ErrDuplicateReadReceipt = fmt.Errorf("read receipt already exists")
	ErrReactionNotFound     = fmt.Errorf("reaction not found")
	ErrTransientPersistence = fmt.Errorf("transient persistence failure")
	ErrSendFailed           = fmt.Errorf("send failed")
	ErrNotificationDispatch = fmt.Errorf("notification dispatch failure")

	ErrRoomNotFound      = fmt.Errorf("room not found")
	ErrMessageNotFound   = fmt.Errorf("message not found")
	ErrForbidden         = fmt.Errorf("operation not permitted for this role")
	ErrRoomArchived      = fmt.Errorf("room is archived")
	ErrReplyOutsideRoom  = fmt.Errorf("reply target belongs to another room")
	ErrInvalidDirectRoom = fmt.Errorf("invalid direct room")
	ErrInvalidFrame      = fmt.Errorf("invalid frame")
	ErrUnauthenticated   = fmt.Errorf("unauthenticated")
	ErrRateLimited       = fmt.Errorf("rate limited")
	ErrSessionClosed     = fmt.Errorf("session closed")
	ErrEmptyWords        = fmt.Errorf("no words have been found")
	ErrInvalidCron       = fmt.Errorf("invalid cron expression")
)

// codes are sent to clients inside error frames and must stay stable.
var codes = []struct {
	err  error
	code string
}{
	{ErrNotAMember, "not_a_member"},
	{ErrAlreadyDeleted, "already_deleted"},
	{ErrSendFailed, "send_failed"},
	{ErrRoomNotFound, "room_not_found"},
	{ErrMessageNotFound, "message_not_found"},
	{ErrForbidden, "forbidden"},
	{ErrRoomArchived, "room_archived"},
	{ErrReplyOutsideRoom, "reply_outside_room"},
	{ErrInvalidDirectRoom, "invalid_direct_room"},
	{ErrInvalidFrame, "invalid_frame"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrRateLimited, "rate_limited"},
	{ErrSessionClosed, "session_closed"},
}

// Code returns the wire error code for err, "internal" when it matches no sentinel.
func Code(err error) string {
	for _, c := range codes {
		if stderrors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
