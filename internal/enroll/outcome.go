package enroll

import "fmt"

// Kind classifies how a protocol run ended.
type Kind int

const (
	// Succeeded: the run reached its goal (spot found / enrollment created).
	Succeeded Kind = iota
	// Failed: a definitive negative verdict (window closed, unexpected
	// status, fetch error). Not retried.
	Failed
	// Aborted: the run was cut short by an error outside the protocol's
	// verdict space (auth breakdown mid-run). Ends weekly chains without a
	// forward search.
	Aborted
)

// Outcome is the single terminal result of one protocol run. Every run
// produces exactly one.
type Outcome struct {
	Kind    Kind
	Message string
}

func succeeded(format string, args ...any) Outcome {
	return Outcome{Kind: Succeeded, Message: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) Outcome {
	return Outcome{Kind: Failed, Message: fmt.Sprintf(format, args...)}
}

func aborted(format string, args ...any) Outcome {
	return Outcome{Kind: Aborted, Message: fmt.Sprintf(format, args...)}
}
