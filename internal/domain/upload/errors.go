package upload

import "errors"

// Extraction errors surfaced to the client as 400 before the upload is
// accepted.
var (
	ErrNotDocumentReference = errors.New("resource is not a DocumentReference")
	ErrEmptyAttachment      = errors.New("content[0].attachment.data is missing or empty")
	ErrPathCardinality      = errors.New("exactly one PathInTarball extension is required")
	ErrTagShape             = errors.New("DicomTag extension requires dcm_key and dcm_value")
)

// Infrastructure errors. Before the 202 acknowledgement they surface as 5xx;
// afterwards they are recorded on the ledger row.
var (
	ErrStorageIO         = errors.New("archive storage failed")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerConstraint  = errors.New("ledger constraint violation")
	ErrBrokerUnavailable = errors.New("message broker unavailable")
	// ErrBusy means the background queue is at capacity and the upload was
	// shed before any ledger write.
	ErrBusy = errors.New("upload queue at capacity")
)
