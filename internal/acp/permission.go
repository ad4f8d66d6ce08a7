package acp

import (
	"github.com/coder/acp-go-sdk"
)

// SelectAllowOption picks the option to answer an approved permission request
// with: the first allow-once or allow-always option, else the first option.
// ok is false when there are no options at all.
func SelectAllowOption(options []acp.PermissionOption) (id acp.PermissionOptionId, ok bool) {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return opt.OptionId, true
		}
	}
	if len(options) > 0 {
		return options[0].OptionId, true
	}
	return "", false
}

// AutoApprovePermission answers a permission request as approved.
func AutoApprovePermission(options []acp.PermissionOption) acp.RequestPermissionResponse {
	id, ok := SelectAllowOption(options)
	if !ok {
		return CancelledPermissionResponse()
	}
	return SelectedPermissionResponse(id)
}

// SelectedPermissionResponse answers a permission request with one option.
func SelectedPermissionResponse(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

// CancelledPermissionResponse returns a cancelled permission response.
func CancelledPermissionResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// SelectPermissionOption answers with the option at index, or cancels when
// the index is out of range.
func SelectPermissionOption(options []acp.PermissionOption, index int) acp.RequestPermissionResponse {
	if index < 0 || index >= len(options) {
		return CancelledPermissionResponse()
	}
	return SelectedPermissionResponse(options[index].OptionId)
}
