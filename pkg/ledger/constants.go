package ledger

const (
	operationReserve = "reserve"
	operationSettle  = "settle"
	operationRelease = "release"
	operationCredit  = "credit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultCurrency is the ledger currency used when none is configured.
	DefaultCurrency = "INR"

	defaultMetadataJSON = "{}"

	metadataKeyExternalReference = "external_reference"
	metadataKeyFailureReason     = "failure_reason"
	metadataKeyClosedAtUnixUTC   = "closed_at_unix_utc"

	errorOperationService = "service"
	errorSubjectWallet    = "wallet"
	errorCodeInvariant    = "invariant"
	errorCodeDirection    = "direction"
)
