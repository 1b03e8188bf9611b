package common

import "fmt"

// Input errors. Fatal for the whole download, never retried.
var (
	ErrInvalidIdentifier = fmt.Errorf("cannot resolve content hash")
	ErrExtensionRejected = fmt.Errorf("file extension is not accepted")
)

// Fast path errors. They only mean "fast path unavailable for now".
var (
	ErrFastPathNotConfigured = fmt.Errorf("fast download not configured")
	ErrQuotaExhausted        = fmt.Errorf("no fast downloads remaining")
	ErrAlreadyDelivered      = fmt.Errorf("file already downloaded recently")
	ErrInvalidHash           = fmt.Errorf("invalid md5")
	ErrInvalidKey            = fmt.Errorf("invalid secret key")
	ErrNotEntitled           = fmt.Errorf("not a member")
	ErrUnexpectedStatus      = fmt.Errorf("unexpected fast download status")
	ErrInvalidAPIResponse    = fmt.Errorf("invalid API response")
	ErrFastPathFailed        = fmt.Errorf("fast download failed")
	ErrFastPathNetwork       = fmt.Errorf("fast download API request failed")
)

// Source errors. The orchestrator moves on to the next source.
var (
	ErrMirrorUnavailable = fmt.Errorf("mirror unavailable")
	ErrNoBinaryLink      = fmt.Errorf("cannot find download link on mirror page")
	ErrMarkupContent     = fmt.Errorf("remote returned HTML instead of a file")
	ErrTransferFailed    = fmt.Errorf("transfer failed")
)

// No-candidates errors. Final outcome of a download.
var (
	ErrNoMirrors        = fmt.Errorf("no download links found")
	ErrAllSourcesFailed = fmt.Errorf("all sources failed")
)

var (
	ErrQuotaNotFound = fmt.Errorf("quota snapshot not found")
)
