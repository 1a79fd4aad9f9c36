package nbrag

import "errors"

var (
	// ErrNotFound is returned for a missing notebook, source, saved
	// citation, or on-disk file.
	ErrNotFound = errors.New("nbrag: not found")

	// ErrUnsupportedFormat is returned when the extractor rejects a file
	// extension outright.
	ErrUnsupportedFormat = errors.New("nbrag: unsupported document format")

	// ErrParseError is returned when the extractor recognises the format
	// but cannot produce blocks (OCR required but disabled, missing
	// external tool, malformed input).
	ErrParseError = errors.New("nbrag: parse error")

	// ErrUploadTooLarge is returned when an upload exceeds MaxUploadMB.
	ErrUploadTooLarge = errors.New("nbrag: upload exceeds size limit")

	// ErrMalformedMultipart is returned when a multipart upload is missing
	// the file field or has malformed framing.
	ErrMalformedMultipart = errors.New("nbrag: malformed multipart upload")

	// ErrProviderUnsupported is returned by chat when the per-request
	// provider does not support streaming.
	ErrProviderUnsupported = errors.New("nbrag: unsupported provider")

	// ErrUpstreamUnavailable is returned when an embedding or chat server
	// fails after exhausting retries.
	ErrUpstreamUnavailable = errors.New("nbrag: upstream LLM server unavailable")

	// ErrIndexCompatibility is returned when persisted index metadata
	// disagrees with the current embedding model or dimension.
	ErrIndexCompatibility = errors.New("nbrag: index metadata incompatible with current embedding configuration")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("nbrag: store is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("nbrag: invalid configuration")

	// ErrNotebookNotEmpty guards destructive operations that require an
	// explicit confirmation when a notebook still owns sources.
	ErrNotebookNotEmpty = errors.New("nbrag: notebook still owns sources")
)
