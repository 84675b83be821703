package grpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

// Messages travel as google.protobuf.Struct; these are their JSON shapes.

type EnqueueRequest struct {
	Type        string             `json:"type"`
	Payload     interfaces.Payload `json:"payload,omitempty"`
	Priority    int                `json:"priority,omitempty"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
}

type GetJobRequest struct {
	JobID string `json:"job_id"`
}

type DrainRequest struct {
	Limit int      `json:"limit"`
	Types []string `json:"types,omitempty"`
}

type DrainResponse struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	LeaseLost int `json:"lease_lost,omitempty"`
}

type CleanupRequest struct {
	Days int `json:"days"`
}

type RetryFailedRequest struct {
	MaxRetries int `json:"max_retries"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	return nil
}

// toStatus maps queue errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, interfaces.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, interfaces.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, interfaces.ErrTerminalState), errors.Is(err, interfaces.ErrInvalidTransition),
		errors.Is(err, interfaces.ErrLeaseLost):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus restores the queue sentinel behind a gRPC status.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidArgument, st.Message())
	default:
		return err
	}
}
