package api

import (
	"fmt"
	"math"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WindowRequest selects the samples of a metric newer than now-duration.
type WindowRequest struct {
	Metric     string `json:"metric"`
	Duration   string `json:"duration"`
	DurationMs int64  `json:"durationMs"`
}

// Window resolves the requested duration; a Go duration string wins over milliseconds.
func (r WindowRequest) Window() (time.Duration, error) {
	if r.Duration != "" {
		d, err := time.ParseDuration(r.Duration)
		if err != nil {
			return 0, fmt.Errorf("%w: duration %q: %v", utils.ErrInvalidArgument, r.Duration, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("%w: duration must be positive", utils.ErrInvalidArgument)
		}
		return d, nil
	}
	if r.DurationMs <= 0 {
		return 0, fmt.Errorf("%w: duration is required", utils.ErrInvalidArgument)
	}
	return time.Duration(r.DurationMs) * time.Millisecond, nil
}

// PercentileRequest asks for the p-quantile (0..1) of a metric.
type PercentileRequest struct {
	Metric string  `json:"metric"`
	P      float64 `json:"p"`
}

// SubscribeRequest selects the outcomes streamed to a subscriber. An empty
// metric or "*" subscribes to every metric.
type SubscribeRequest struct {
	Metric string   `json:"metric"`
	Kinds  []string `json:"kinds"`
}

// OutcomeKinds validates the requested kinds.
func (r SubscribeRequest) OutcomeKinds() ([]models.OutcomeKind, error) {
	kinds := make([]models.OutcomeKind, 0, len(r.Kinds))
	for _, k := range r.Kinds {
		kind, ok := models.ParseOutcomeKind(strings.ToLower(strings.TrimSpace(k)))
		if !ok {
			return nil, fmt.Errorf("%w: unknown outcome kind %q", utils.ErrInvalidArgument, k)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// PercentileResponse carries a percentile answer.
type PercentileResponse struct {
	Metric string  `json:"metric"`
	P      float64 `json:"p"`
	Value  float64 `json:"value"`
}

// SampleFromMap decodes a loosely typed sample. The timestamp may be epoch
// milliseconds or an RFC3339 string.
func SampleFromMap(m map[string]any) (models.Sample, error) {
	if m == nil {
		return models.Sample{}, fmt.Errorf("%w: sample is empty", utils.ErrInvalidArgument)
	}
	metric, _ := m["metric"].(string)
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return models.Sample{}, fmt.Errorf("%w: metric is required", utils.ErrInvalidArgument)
	}

	var ts int64
	switch v := m["timestamp"].(type) {
	case float64:
		if v != math.Trunc(v) {
			return models.Sample{}, fmt.Errorf("%w: timestamp must be whole milliseconds", utils.ErrInvalidArgument)
		}
		ts = int64(v)
	case string:
		parsed, err := utils.ParseTimestamp(v)
		if err != nil {
			return models.Sample{}, fmt.Errorf("%w: %v", utils.ErrInvalidArgument, err)
		}
		ts = parsed
	case nil:
		return models.Sample{}, fmt.Errorf("%w: timestamp is required", utils.ErrInvalidArgument)
	default:
		return models.Sample{}, fmt.Errorf("%w: timestamp has type %T", utils.ErrInvalidArgument, v)
	}

	value, ok := m["value"].(float64)
	if !ok {
		return models.Sample{}, fmt.Errorf("%w: numeric value is required", utils.ErrInvalidArgument)
	}
	return models.Sample{Metric: metric, Timestamp: ts, Value: value}, nil
}

// SamplesFromJSON decodes a single sample object, an array of samples, or an
// object with a "samples" array.
func SamplesFromJSON(data []byte) ([]models.Sample, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", utils.ErrInvalidArgument, err)
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if batch, ok := v["samples"].([]any); ok {
			items = batch
		} else {
			items = []any{v}
		}
	default:
		return nil, fmt.Errorf("%w: body must be a sample or a list of samples", utils.ErrInvalidArgument)
	}
	samples := make([]models.Sample, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: sample %d is not an object", utils.ErrInvalidArgument, i)
		}
		s, err := SampleFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// DecodeSample maps a gRPC request struct into a sample.
func DecodeSample(req *structpb.Struct) (models.Sample, error) {
	if req == nil {
		return models.Sample{}, fmt.Errorf("%w: request is nil", utils.ErrInvalidArgument)
	}
	return SampleFromMap(req.AsMap())
}

// Decode maps a gRPC request struct into out through its JSON form.
func Decode(req *structpb.Struct, out any) error {
	if req == nil {
		return fmt.Errorf("%w: request is nil", utils.ErrInvalidArgument)
	}
	data, err := json.Marshal(req.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalidArgument, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalidArgument, err)
	}
	return nil
}

// MetricOf extracts the required "metric" field.
func MetricOf(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: request is nil", utils.ErrInvalidArgument)
	}
	metric := strings.TrimSpace(req.GetFields()["metric"].GetStringValue())
	if metric == "" {
		return "", fmt.Errorf("%w: metric is required", utils.ErrInvalidArgument)
	}
	return metric, nil
}

// Encode converts any JSON-serialisable value into a struct. Slices are wrapped
// under key.
func Encode(key string, v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		m = map[string]any{key: decoded}
	}
	return structpb.NewStruct(m)
}

// EncodeOutcome converts an ingest outcome for the wire.
func EncodeOutcome(o models.IngestOutcome) (*structpb.Struct, error) {
	return Encode("outcome", o)
}

// DecodeOutcome is the inverse of EncodeOutcome.
func DecodeOutcome(s *structpb.Struct) (models.IngestOutcome, error) {
	var o models.IngestOutcome
	err := Decode(s, &o)
	return o, err
}
