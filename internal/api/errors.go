package api

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// Error codes carried in HTTP error bodies.
const (
	CodeUnknownMetric   = "unknown_metric"
	CodeNoData          = "no_data"
	CodeOutOfOrder      = "out_of_order"
	CodeMetricExists    = "metric_exists"
	CodeInvalidBudget   = "invalid_budget"
	CodeInvalidArgument = "invalid_argument"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, utils.ErrUnknownMetric):
		return CodeUnknownMetric
	case errors.Is(err, utils.ErrNoData):
		return CodeNoData
	case errors.Is(err, utils.ErrOutOfOrderSample):
		return CodeOutOfOrder
	case errors.Is(err, utils.ErrMetricExists):
		return CodeMetricExists
	case errors.Is(err, utils.ErrInvalidBudgetConfig):
		return CodeInvalidBudget
	case errors.Is(err, utils.ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// GRPCError converts a domain error into a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch ErrorCode(err) {
	case CodeUnknownMetric, CodeNoData:
		code = codes.NotFound
	case CodeOutOfOrder:
		code = codes.FailedPrecondition
	case CodeMetricExists:
		code = codes.AlreadyExists
	case CodeInvalidBudget, CodeInvalidArgument:
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// HTTPStatus maps a Code constant to the HTTP status returned with it.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnknownMetric, CodeNoData:
		return http.StatusNotFound
	case CodeOutOfOrder, CodeMetricExists:
		return http.StatusConflict
	case CodeInvalidBudget, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
