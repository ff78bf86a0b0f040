package checkout

// Status classifies a checkout attempt.
type Status int

const (
	statusUnknown Status = iota
	// StatusSuccess means the record was locked and decoded.
	StatusSuccess
	// StatusNotFound means no record exists for the id.
	StatusNotFound
	// StatusLocked means another holder owns the lock or lease.
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Result is the outcome of Checkout. Exactly one of success (with a handle),
// not-found or locked is represented.
type Result struct {
	status Status
	handle *Handle
}

// Success wraps a freshly checked out handle.
func Success(h *Handle) Result {
	if h == nil {
		panic("checkout: Success with nil handle")
	}
	return Result{status: StatusSuccess, handle: h}
}

// NotFound reports a missing record.
func NotFound() Result { return Result{status: StatusNotFound} }

// Locked reports a record held by someone else.
func Locked() Result { return Result{status: StatusLocked} }

// Status returns the result classification.
func (r Result) Status() Status { return r.status }

// Handle returns the borrowed handle when the checkout succeeded.
func (r Result) Handle() (*Handle, bool) {
	if r.status != StatusSuccess {
		return nil, false
	}
	return r.handle, true
}

func (r Result) String() string { return r.status.String() }
