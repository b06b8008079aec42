package tools

// Result is the unified return type from tool execution.
type Result struct {
	Output  string `json:"output"`             // content fed back to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user, if different
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // sentinel for errors.Is matching, not serialized
}

func NewResult(output string) *Result {
	return &Result{Output: output}
}

func ErrorResult(message string) *Result {
	return &Result{Output: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
