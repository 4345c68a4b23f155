package transport

import (
	"net/http"

	"github.com/roach88/peersync/internal/ir"
)

const apiPrefix = "/api/v1"

// Routes relative to apiPrefix.
const (
	routeCapabilities     = "/capabilities"
	routeNonces           = "/nonces"
	routeCertificates     = "/certificates"
	routeSyncSessions     = "/syncsessions"
	routeSyncSession      = "/syncsessions/{id}"
	routeTransferSessions = "/transfersessions"
	routeChunks           = "/transfersessions/{id}/chunks"
	routeChunk            = "/transfersessions/{id}/chunks/{seq}"
	routeFinish           = "/transfersessions/{id}/finish"
	routeFMC              = "/fmc"
	routeMetrics          = "/metrics"
)

// statusFor maps an error code to the HTTP status the server answers with.
func statusFor(code ir.ErrorCode) int {
	switch code {
	case ir.ErrCodeUnauthorized, ir.ErrCodeNonceInvalid:
		return http.StatusUnauthorized
	case ir.ErrCodeInvalidChain, ir.ErrCodeScopeViolation:
		return http.StatusForbidden
	case ir.ErrCodeProtocol:
		return http.StatusBadRequest
	case ir.ErrCodeNotFound:
		return http.StatusNotFound
	case ir.ErrCodeSessionBusy:
		return http.StatusConflict
	case ir.ErrCodeFMCOverflow:
		return http.StatusUnprocessableEntity
	case ir.ErrCodeTxIsolationConflict:
		return http.StatusServiceUnavailable
	case ir.ErrCodeTransferNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
