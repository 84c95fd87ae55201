package errors

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeCrypto           Code = "CRYPTO_ERROR"
	CodeInvalidFormat    Code = "INVALID_FORMAT"
	CodeInternal         Code = "INTERNAL"
)
