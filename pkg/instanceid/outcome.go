package instanceid

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Response is a fully-read snapshot of a successful HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode parses the body as a JSON object. An empty body decodes to an empty map.
func (r *Response) Decode() (map[string]any, error) {
	out := map[string]any{}
	if len(r.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, internalError(fmt.Sprintf("failed to decode response body: %v", err), err)
	}
	return out, nil
}

// Outcome is the settled result for one topic of a batch call:
// either a success carrying the decoded body, or a classified failure.
type Outcome struct {
	payload  map[string]any
	response *Response
	err      *MessagingError
}

func Success(payload map[string]any, resp *Response) Outcome {
	if payload == nil {
		payload = map[string]any{}
	}
	return Outcome{payload: payload, response: resp}
}

func Failure(err *MessagingError) Outcome {
	if err == nil {
		err = internalError("failure outcome without an error", nil)
	}
	return Outcome{err: err}
}

func (o Outcome) Succeeded() bool { return o.err == nil }

// Payload is the decoded JSON body; nil for failures.
func (o Outcome) Payload() map[string]any { return o.payload }

// Response is the raw exchange behind a success; nil for failures.
func (o Outcome) Response() *Response { return o.response }

// Err is the classified error; nil for successes.
func (o Outcome) Err() *MessagingError { return o.err }

// Outcomes maps each input topic name to its settled result.
type Outcomes map[string]Outcome

// Succeeded returns the names of the topics that succeeded, sorted.
func (o Outcomes) Succeeded() []string {
	return o.filter(true)
}

// Failed returns the names of the topics that failed, sorted.
func (o Outcomes) Failed() []string {
	return o.filter(false)
}

func (o Outcomes) filter(ok bool) []string {
	names := make([]string, 0, len(o))
	for name, outcome := range o {
		if outcome.Succeeded() == ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
