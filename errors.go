package dirigent

import (
	"fmt"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 when absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// SchemaError reports a structured model response that failed to parse or
// validate against the requested schema. Raw carries the offending text.
type SchemaError struct {
	Detail string
	Raw    string
}

func (e *SchemaError) Error() string {
	return "schema: " + e.Detail
}
