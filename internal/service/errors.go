package service

import (
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// Errors returned by the workflow operations. Match them with errors.Is;
// returned values carry a more specific message.
var (
	ErrNoActiveRule = errors.Sentinel(errors.ErrCodeNotFound, "no_active_rule",
		"no active workflow rule")
	ErrWorkflowNotFound = errors.Sentinel(errors.ErrCodeNotFound, "workflow_not_found",
		"workflow not found")
	ErrApprovalRecordNotFound = errors.Sentinel(errors.ErrCodeNotFound, "approval_record_not_found",
		"approval record not found")
	ErrInvalidState = errors.Sentinel(errors.ErrCodeConflict, "invalid_state",
		"workflow is not in a state that accepts this action")
	ErrNotInitiator = errors.Sentinel(errors.ErrCodeForbidden, "not_initiator",
		"only the initiator may perform this action")
)
