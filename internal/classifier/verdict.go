package classifier

// Status is the classifier's opinion of a transaction.
type Status string

const (
	Unknown Status = "unknown"
	Safe    Status = "safe"
	Unsafe  Status = "unsafe"
)

// MaxCauseLength bounds the explanation shown next to a verdict.
const MaxCauseLength = 280

type Verdict struct {
	Status Status `json:"status"`
	Cause  string `json:"cause,omitempty"`
}

// UnknownVerdict is what every failure degrades to.
func UnknownVerdict() Verdict { return Verdict{Status: Unknown} }
