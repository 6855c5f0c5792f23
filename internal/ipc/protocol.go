package ipc

// Request is one newline-delimited JSON command. Text is only read for
// the type command.
type Request struct {
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

// Response reports the outcome of a Request. The counters are set for type
// requests and, cumulatively, for status. Pending is the number of runes a
// status call found queued or in flight.
type Response struct {
	OK      bool   `json:"ok"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Typed   int    `json:"typed,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Pending int    `json:"pending,omitempty"`
}
