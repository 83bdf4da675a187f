package gateway

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/store"
)

// errorKind names the meter error taxonomy for websocket clients.
func errorKind(err error) string {
	var (
		noSession    *meter.NoSessionError
		validation   *meter.ValidationError
		transition   *meter.TransitionError
		connectivity *meter.ConnectivityError
		rejected     *meter.WriteRejectedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &noSession):
		return "no_session"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &transition):
		return "transition"
	case errors.As(err, &connectivity):
		return "connectivity"
	case errors.As(err, &rejected):
		return "write_rejected"
	default:
		return "internal"
	}
}

// toConnectError maps meter errors onto connect codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var code connect.Code
	switch errorKind(err) {
	case "no_session":
		code = connect.CodeNotFound
	case "validation":
		code = connect.CodeInvalidArgument
	case "transition":
		code = connect.CodeFailedPrecondition
	case "connectivity":
		code = connect.CodeUnavailable
	case "write_rejected":
		code = connect.CodeAborted
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = connect.CodeCanceled
		case errors.Is(err, context.DeadlineExceeded):
			code = connect.CodeDeadlineExceeded
		case errors.Is(err, meter.ErrClosed), errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrUnavailable):
			code = connect.CodeUnavailable
		default:
			code = connect.CodeInternal
		}
	}
	return connect.NewError(code, err)
}
