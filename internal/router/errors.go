package router

import (
	"errors"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/pipeline"
)

// classify maps a pipeline failure to the error sent to the client. Internal
// failures get a generic message.
func classify(err error) ErrorPayload {
	cause := err
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		cause = stepErr.Err
	}
	var authErr *auth.Error
	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		return ErrorPayload{Code: CodeRateLimited, Message: cause.Error()}
	case errors.Is(err, pipeline.ErrForbidden):
		return ErrorPayload{Code: CodeForbidden, Message: cause.Error()}
	case errors.Is(err, pipeline.ErrBadRequest):
		return ErrorPayload{Code: CodeBadRequest, Message: cause.Error()}
	case errors.As(err, &authErr):
		if authErr.Code == auth.CodeInsufficientPermission {
			return ErrorPayload{Code: CodeForbidden, Message: string(authErr.Code)}
		}
		return ErrorPayload{Code: CodeUnauthorized, Message: string(authErr.Code)}
	}
	return ErrorPayload{Code: CodeInternal, Message: "internal error"}
}
