package stratum

// Stratum error codes reported to miners.
const (
	CodeUnknown            = 20
	CodeJobNotFound        = 21
	CodeDuplicateShare     = 22
	CodeLowDiffShare       = 23
	CodeUnauthorizedWorker = 24
	CodeNotSubscribed      = 25
)

// Error is a coded Stratum error, serialized on the wire as
// [code, message, null].
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Policy errors returned by the share pipeline. They are reported to
// the client; the session continues.
var (
	ErrJobNotFound        = &Error{CodeJobNotFound, "Job not found"}
	ErrDuplicateShare     = &Error{CodeDuplicateShare, "Duplicate share"}
	ErrLowDiffShare       = &Error{CodeLowDiffShare, "Low difficulty share"}
	ErrUnauthorizedWorker = &Error{CodeUnauthorizedWorker, "Unauthorized worker"}
	ErrNotSubscribed      = &Error{CodeNotSubscribed, "Not subscribed"}
	ErrSubmitFailed       = &Error{CodeUnknown, "Block submission failed"}
)
