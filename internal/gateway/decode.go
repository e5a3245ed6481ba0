package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Envelope ───────────────────────────────────────────────────────────────

// envelope is the paginated wrapper: {success, data:{data:[...]}} or
// {data:[...]}.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decodeList extracts the record list from any accepted response shape.
func decodeList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body: %w", domain.ErrMalformedPayload)
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("bare array: %v: %w", err, domain.ErrMalformedPayload)
		}
		return items, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("envelope: %v: %w", err, domain.ErrMalformedPayload)
		}
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("gateway reported failure %q: %w", env.Message, domain.ErrRemoteUnavailable)
		}
		return decodeData(env.Data)
	}
	return nil, fmt.Errorf("unexpected leading byte %q: %w", body[0], domain.ErrMalformedPayload)
}

func decodeData(data json.RawMessage) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("missing data: %w", domain.ErrMalformedPayload)
	}
	var items []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("data array: %v: %w", err, domain.ErrMalformedPayload)
		}
		return items, nil
	}
	var page struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &page); err != nil || len(page.Data) == 0 || page.Data[0] != '[' {
		return nil, fmt.Errorf("data is neither a list nor a page: %w", domain.ErrMalformedPayload)
	}
	if err := json.Unmarshal(page.Data, &items); err != nil {
		return nil, fmt.Errorf("page data: %v: %w", err, domain.ErrMalformedPayload)
	}
	return items, nil
}

// ─── Flexible Scalars ───────────────────────────────────────────────────────

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts a JSON integer, float or numeric string.
type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*i = flexInt(f)
	return nil
}

// flexTime accepts RFC3339 strings, unix seconds or unix milliseconds.
type flexTime time.Time

// unixMillisThreshold separates seconds from milliseconds; 1e12 seconds is
// far in the future, 1e12 ms is 2001.
const unixMillisThreshold = 1e12

func (t *flexTime) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	raw := strings.TrimSpace(string(s))
	if raw == "" {
		*t = flexTime{}
		return nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n >= unixMillisThreshold {
			*t = flexTime(time.UnixMilli(int64(n)))
		} else {
			*t = flexTime(time.Unix(int64(n), 0))
		}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			*t = flexTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", raw)
}

// ─── Records ────────────────────────────────────────────────────────────────

type remoteTask struct {
	ID                 flexString `json:"id"`
	Model              string     `json:"model"`
	DeviceID           flexString `json:"device_id"`
	DeviceIDCamel      flexString `json:"deviceId"`
	Status             string     `json:"status"`
	Error              string     `json:"error"`
	CreatedAt          flexTime   `json:"created_at"`
	UpdatedAt          flexTime   `json:"updated_at"`
	TotalDuration      flexInt    `json:"total_duration"`
	LoadDuration       flexInt    `json:"load_duration"`
	PromptEvalCount    flexInt    `json:"prompt_eval_count"`
	PromptEvalDuration flexInt    `json:"prompt_eval_duration"`
	EvalCount          flexInt    `json:"eval_count"`
	EvalDuration       flexInt    `json:"eval_duration"`
}

func (r remoteTask) toDomain() domain.Task {
	device := string(r.DeviceID)
	if device == "" {
		device = string(r.DeviceIDCamel)
	}
	return domain.Task{
		ID:        string(r.ID),
		Model:     r.Model,
		DeviceID:  device,
		Status:    domain.TaskStatus(r.Status),
		Source:    domain.SourceGateway,
		Error:     r.Error,
		CreatedAt: time.Time(r.CreatedAt),
		UpdatedAt: time.Time(r.UpdatedAt),
		Usage: domain.Usage{
			TotalDuration:      int64(r.TotalDuration),
			LoadDuration:       int64(r.LoadDuration),
			PromptEvalCount:    int64(r.PromptEvalCount),
			PromptEvalDuration: int64(r.PromptEvalDuration),
			EvalCount:          int64(r.EvalCount),
			EvalDuration:       int64(r.EvalDuration),
		},
	}
}

type remoteEarning struct {
	ID            flexString `json:"id"`
	TaskID        flexString `json:"task_id"`
	TaskIDCamel   flexString `json:"taskId"`
	DeviceID      flexString `json:"device_id"`
	DeviceIDCamel flexString `json:"deviceId"`
	BlockRewards  flexFloat  `json:"block_rewards"`
	JobRewards    flexFloat  `json:"job_rewards"`
	CreatedAt     flexTime   `json:"created_at"`
	UpdatedAt     flexTime   `json:"updated_at"`
}

func (r remoteEarning) toDomain() domain.Earning {
	task := string(r.TaskID)
	if task == "" {
		task = string(r.TaskIDCamel)
	}
	device := string(r.DeviceID)
	if device == "" {
		device = string(r.DeviceIDCamel)
	}
	return domain.Earning{
		ID:           string(r.ID),
		TaskID:       task,
		DeviceID:     device,
		BlockRewards: float64(r.BlockRewards),
		JobRewards:   float64(r.JobRewards),
		Source:       domain.SourceGateway,
		CreatedAt:    time.Time(r.CreatedAt),
		UpdatedAt:    time.Time(r.UpdatedAt),
	}
}
