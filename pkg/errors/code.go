package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Catalog & Descriptor module errors
// 12000-12999: Governor module errors
// 13000-13999: Runner module errors
// 14000-14999: Classification & Report module errors
// 15000-15999: Verification service errors
// 16000-16999: Auth & Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError        ErrorCode = 10400
	ObjectNotFound      ErrorCode = 10401
	ObjectUploadFailed  ErrorCode = 10402
	BucketInitFailed    ErrorCode = 10403

	// ========== Catalog & Descriptor Errors (11000-11999) ==========

	// Descriptor validation (11000-11099)
	ProbeNotFound        ErrorCode = 11000
	ProbeNameEmpty       ErrorCode = 11001
	ProbeNameDuplicate   ErrorCode = 11002
	ProbeBinaryMissing   ErrorCode = 11003
	ProbeBinaryNotExec   ErrorCode = 11004
	ProbeCategoryInvalid ErrorCode = 11005
	ProbeCeilingInvalid  ErrorCode = 11006

	// Catalog loading (11100-11199)
	CatalogLoadFailed  ErrorCode = 11100
	CatalogEmpty       ErrorCode = 11101
	CatalogParseFailed ErrorCode = 11102

	// Bundle management (11200-11299)
	BundleNotFound       ErrorCode = 11200
	BundleDigestMismatch ErrorCode = 11201
	BundleUnpackFailed   ErrorCode = 11202

	// ========== Governor Errors (12000-12999) ==========

	// Limit setup (12000-12099)
	GovernorSetupFailed  ErrorCode = 12000
	RlimitApplyFailed    ErrorCode = 12001
	CgroupCreateFailed   ErrorCode = 12002
	CgroupWriteFailed    ErrorCode = 12003
	CgroupCleanupFailed  ErrorCode = 12004
	SeccompLoadFailed    ErrorCode = 12005

	// Capability probing (12100-12199)
	CapabilityUnsupported ErrorCode = 12100
	PlatformUnsupported   ErrorCode = 12101

	// ========== Runner Errors (13000-13999) ==========

	// Launch (13000-13099)
	RunLaunchFailed   ErrorCode = 13000
	ScratchDirFailed  ErrorCode = 13001
	PipeSetupFailed   ErrorCode = 13002
	HelperInitFailed  ErrorCode = 13003

	// Supervision (13100-13199)
	RunWaitFailed    ErrorCode = 13100
	KillFailed       ErrorCode = 13101
	RunInterrupted   ErrorCode = 13102
	UsageProbeFailed ErrorCode = 13103

	// ========== Classification & Report Errors (14000-14999) ==========

	// Classification (14000-14099)
	ClassifyFailed      ErrorCode = 14000
	VerdictUnknown      ErrorCode = 14001
	ExpectationInvalid  ErrorCode = 14002

	// Report (14100-14199)
	ReportEncodeFailed  ErrorCode = 14100
	ReportArchiveFailed ErrorCode = 14101
	ReportPublishFailed ErrorCode = 14102

	// ========== Verification Service Errors (15000-15999) ==========

	// Run lifecycle (15000-15099)
	RunNotFound        ErrorCode = 15000
	RunAlreadyActive   ErrorCode = 15001
	RunCreateFailed    ErrorCode = 15002
	RunRecordFailed    ErrorCode = 15003
	RunStreamClosed    ErrorCode = 15004

	// ========== Auth & Permission Errors (16000-16999) ==========

	// Authentication (16000-16099)
	TokenExpired     ErrorCode = 16000
	TokenInvalid     ErrorCode = 16001
	PermissionDenied ErrorCode = 16002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError:       "Storage operation failed",
	ObjectNotFound:     "Object not found in storage",
	ObjectUploadFailed: "Failed to upload object",
	BucketInitFailed:   "Failed to initialize bucket",

	// Catalog & Descriptor
	ProbeNotFound:        "Probe not found in catalog",
	ProbeNameEmpty:       "Probe name is empty",
	ProbeNameDuplicate:   "Probe name already present in catalog",
	ProbeBinaryMissing:   "Probe binary does not exist",
	ProbeBinaryNotExec:   "Probe binary is not executable",
	ProbeCategoryInvalid: "Unknown probe category",
	ProbeCeilingInvalid:  "Probe ceiling is out of range",

	// Catalog loading
	CatalogLoadFailed:  "Failed to load probe catalog",
	CatalogEmpty:       "Probe catalog is empty",
	CatalogParseFailed: "Failed to parse probe catalog",

	// Bundle
	BundleNotFound:       "Probe bundle not found",
	BundleDigestMismatch: "Probe bundle digest mismatch",
	BundleUnpackFailed:   "Failed to unpack probe bundle",

	// Governor
	GovernorSetupFailed: "Failed to set up resource limits",
	RlimitApplyFailed:   "Failed to apply rlimit",
	CgroupCreateFailed:  "Failed to create cgroup",
	CgroupWriteFailed:   "Failed to write cgroup limit",
	CgroupCleanupFailed: "Failed to clean up cgroup",
	SeccompLoadFailed:   "Failed to load seccomp filter",

	// Capability
	CapabilityUnsupported: "Required isolation capability is unavailable",
	PlatformUnsupported:   "Platform does not support probe execution",

	// Runner
	RunLaunchFailed:  "Failed to launch probe process",
	ScratchDirFailed: "Failed to prepare scratch directory",
	PipeSetupFailed:  "Failed to set up output pipes",
	HelperInitFailed: "Probe init helper failed",
	RunWaitFailed:    "Failed to wait for probe process",
	KillFailed:       "Failed to kill probe process group",
	RunInterrupted:   "Probe run interrupted",
	UsageProbeFailed: "Failed to sample probe resource usage",

	// Classification & Report
	ClassifyFailed:      "Failed to classify probe outcome",
	VerdictUnknown:      "Unknown verdict value",
	ExpectationInvalid:  "Unknown probe expectation",
	ReportEncodeFailed:  "Failed to encode suite report",
	ReportArchiveFailed: "Failed to archive suite evidence",
	ReportPublishFailed: "Failed to publish suite event",

	// Verification service
	RunNotFound:      "Verification run not found",
	RunAlreadyActive: "A verification run is already in progress",
	RunCreateFailed:  "Failed to create verification run",
	RunRecordFailed:  "Failed to record verification run",
	RunStreamClosed:  "Verification stream closed",

	// Auth
	TokenExpired:     "Token has expired",
	TokenInvalid:     "Invalid token",
	PermissionDenied: "Permission denied",
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
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == PermissionDenied:
		return 403
	case c == NotFound, c == ProbeNotFound, c == RunNotFound, c == BundleNotFound:
		return 404
	case c == RunAlreadyActive:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == CapabilityUnsupported, c == PlatformUnsupported:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c >= 11000 && c < 11200: // Descriptor and catalog validation
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}
