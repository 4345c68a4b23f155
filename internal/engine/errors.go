package engine

import (
	"github.com/roach88/peersync/internal/ir"
)

// stageConfigurationError reports that no operation handled a stage.
// The session stays where it is so an operator can inspect it.
func stageConfigurationError(ts ir.TransferSession) error {
	return ir.NewError(ir.ErrCodeStageConfiguration,
		"no operation handled stage %s of %s transfer", ts.Stage, ts.Direction).WithSession(ts.ID)
}

// networkError wraps a failed peer call so it is retried.
func networkError(op string, err error) error {
	if err == nil || ir.CodeOf(err) != "" {
		return err
	}
	return ir.WrapError(ir.ErrCodeTransferNetwork, err, "%s", op)
}

// isFatal reports whether err ends the transfer session for good. Trust
// and scope failures cannot succeed on resume; anything else leaves the
// session resumable.
func isFatal(err error) bool {
	switch ir.CodeOf(err) {
	case ir.ErrCodeInvalidChain, ir.ErrCodeScopeViolation, ir.ErrCodeUnauthorized, ir.ErrCodeFMCOverflow:
		return true
	}
	return false
}
