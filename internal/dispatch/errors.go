package dispatch

import (
	"errors"
	"fmt"

	"github.com/stupiduntilnot/groupbot/internal/control"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

var (
	ErrUnknownModel      = errors.New("unknown model")
	ErrMissingCredential = errors.New("missing credential")
	ErrEmptyResponse     = errors.New("empty response")
	ErrBackendFailure    = errors.New("backend failure")

	// ErrCircuitOpen is wrapped in ErrBackendFailure while a backend is cooling down.
	ErrCircuitOpen = errors.New("circuit open")
)

// Error is returned by Dispatch. Reason is one of the Err* sentinels above.
type Error struct {
	Reason       error
	Model        string
	Conversation string
	Err          error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch model=%s conversation=%s: %v", e.Model, e.Conversation, e.Reason)
	}
	return fmt.Sprintf("dispatch model=%s conversation=%s: %v: %v", e.Model, e.Conversation, e.Reason, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Kind implements control.Classified.
func (e *Error) Kind() control.Kind { return control.KindDispatch }

func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrMissingCredential):
		return ErrMissingCredential
	case errors.Is(err, model.ErrEmptyResponse):
		return ErrEmptyResponse
	default:
		return ErrBackendFailure
	}
}

const (
	emptyApology  = "AI 没有返回有效结果，请稍后再试"
	failurePrefix = "AI调用出错: "
)

// Apology renders err as the text sent back into the conversation.
func Apology(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if !errors.As(err, &de) {
		return failurePrefix + err.Error()
	}
	switch {
	case errors.Is(de.Reason, ErrEmptyResponse):
		return emptyApology
	case errors.Is(de.Reason, ErrUnknownModel):
		return failurePrefix + "未知模型 " + de.Model
	case errors.Is(de.Reason, ErrMissingCredential):
		return failurePrefix + "未配置 " + de.Model + " 的 API Key"
	case de.Err != nil:
		return failurePrefix + de.Err.Error()
	default:
		return failurePrefix + de.Reason.Error()
	}
}
