package content

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced object or entity does not exist.
	ErrNotFound = errors.New("content: not found")
	// ErrForbidden indicates the actor may not mutate the object.
	ErrForbidden = errors.New("content: forbidden")
	// ErrInvalidRequest indicates malformed input.
	ErrInvalidRequest = errors.New("content: invalid request")

	errMissingTransactions = errors.New("transaction manager is required")
	errMissingEntities     = errors.New("entity registry is required")
	errMissingObjects      = errors.New("object service is required")
	errMissingGraph        = errors.New("sharing graph is required")
	errMissingEnqueuer     = errors.New("change enqueuer is required")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "content.service.new"
	opRegisterEntity    = "content.register_entity"
	opCreateObject      = "content.create_object"
	opModifyObject      = "content.modify_object"
	opDeleteObject      = "content.delete_object"
	opShareObject       = "content.share_object"
	opGetObject         = "content.get_object"
	opFollowEntity      = "content.follow_entity"
	opUnfollowEntity    = "content.unfollow_entity"
	opJoinCommunity     = "content.join_community"
	opLeaveCommunity    = "content.leave_community"
	opMuteConversation  = "content.mute_conversation"
	opUpdateRelation    = "content.update_relationship"
	opReadRelation      = "content.read_relationship"
	opSharedContainer   = "content.shared_container"
	opContainedStream   = "content.contained_stream"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
