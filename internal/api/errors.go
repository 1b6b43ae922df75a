package api

import (
	"context"
	"errors"

	"github.com/matheus3301/wppsync/internal/device"
	"github.com/matheus3301/wppsync/internal/gateway"
	"github.com/matheus3301/wppsync/internal/timeline"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors to gRPC codes.
func toStatus(err error, op string) error {
	code := codes.Internal
	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrUnknownDevice), gateway.IsNotFound(err):
		code = codes.NotFound
	case errors.Is(err, device.ErrExists):
		code = codes.AlreadyExists
	case errors.Is(err, device.ErrInvalidID), errors.Is(err, timeline.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, device.ErrInvalidTransition), errors.Is(err, timeline.ErrNoDevice):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case gateway.IsTemporary(err):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
