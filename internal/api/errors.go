package api

import (
	"context"
	"errors"

	"github.com/lovelink/chatsync/internal/channel"
	"github.com/lovelink/chatsync/internal/convstore"
	"github.com/lovelink/chatsync/internal/history"
	"github.com/lovelink/chatsync/internal/outbound"
	"github.com/lovelink/chatsync/internal/session"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, outbound.ErrEmptyContent):
		code = codes.InvalidArgument
	case errors.Is(err, outbound.ErrNotConnected), errors.Is(err, channel.ErrNotConnected):
		code = codes.FailedPrecondition
	case errors.Is(err, convstore.ErrNotLoaded), errors.Is(err, session.ErrNoCredential):
		code = codes.FailedPrecondition
	case errors.Is(err, convstore.ErrNoMoreHistory):
		code = codes.OutOfRange
	case errors.Is(err, convstore.ErrLoadInProgress):
		code = codes.Aborted
	case errors.Is(err, channel.ErrAuthRejected):
		code = codes.Unauthenticated
	case errors.Is(err, history.ErrStatus):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
