package fixedhash

import "fmt"

// FormatError reports hex or byte input that cannot form a Hash.
type FormatError struct {
	Input  string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if len(e.Input) > 32 {
		return fmt.Sprintf("malformed hash %q...: %s", e.Input[:32], e.Reason)
	}
	if e.Input == "" {
		return fmt.Sprintf("malformed hash: %s", e.Reason)
	}
	return fmt.Sprintf("malformed hash %q: %s", e.Input, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
