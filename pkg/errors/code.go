package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Compile errors
// 21000-21999: Runtime orchestration errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	Canceled            ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Compile Errors (20000-20999) ==========

	ToolchainNotFound   ErrorCode = 20000
	CompileFailure      ErrorCode = 20001
	UnsupportedTarget   ErrorCode = 20002
	UnsupportedLanguage ErrorCode = 20003
	PreprocessFailed    ErrorCode = 20004

	// ========== Runtime Errors (21000-21999) ==========

	PrivilegeRequired          ErrorCode = 21000
	DependencyResolutionFailed ErrorCode = 21001
	WorkspaceIOFailure         ErrorCode = 21002
	IncompatibleArtifact       ErrorCode = 21003
	LaunchFailed               ErrorCode = 21004
	UnsupportedRuntime         ErrorCode = 21005
)

// errorMessages maps error codes to default messages
var errorMessages = map[ErrorCode]string{
	Success: "Success",

	// Generic
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	Canceled:            "Request canceled",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Compile
	ToolchainNotFound:   "Required toolchain not found",
	CompileFailure:      "Compilation failed",
	UnsupportedTarget:   "Target format not supported by this language",
	UnsupportedLanguage: "Programming language not supported",
	PreprocessFailed:    "Source preprocessing failed",

	// Runtime
	PrivilegeRequired:          "Insufficient privilege for filesystem confinement",
	DependencyResolutionFailed: "Failed to resolve shared library dependencies",
	WorkspaceIOFailure:         "Workspace I/O failure",
	IncompatibleArtifact:       "Artifact format not supported by this runtime",
	LaunchFailed:               "Failed to launch program",
	UnsupportedRuntime:         "Runtime kind not supported",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == ToolchainNotFound:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == UnsupportedLanguage, c == UnsupportedTarget,
		c == UnsupportedRuntime, c == IncompatibleArtifact, c == PreprocessFailed:
		return 400
	case c == CompileFailure:
		return 422
	case c == PrivilegeRequired:
		return 403
	default:
		return 500
	}
}
