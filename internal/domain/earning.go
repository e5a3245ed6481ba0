package domain

import "time"

// Earning is a payout record, optionally tied to a Task.
// An empty TaskID marks payouts not bound to a single call (block rewards).
type Earning struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id,omitempty"`
	DeviceID     string    `json:"device_id"`
	BlockRewards float64   `json:"block_rewards"`
	JobRewards   float64   `json:"job_rewards"`
	Source       Source    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Total returns block plus job rewards.
func (e *Earning) Total() float64 {
	return e.BlockRewards + e.JobRewards
}

// EarningQuery filters earning listings.
type EarningQuery struct {
	Source   Source
	DeviceID string
	TaskID   string
	Limit    int
}

// Matches applies the query to a single earning.
func (q EarningQuery) Matches(e *Earning) bool {
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	return true
}

// Device is a node known to the ledger.
type Device struct {
	ID             string    `json:"id"`
	GatewayAddress string    `json:"gateway_address"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Rate is the payout schedule for one (family, kind) pair.
type Rate struct {
	Input  float64 `json:"input" toml:"input"`   // per input token
	Output float64 `json:"output" toml:"output"` // per output token
	Base   float64 `json:"base" toml:"base"`     // flat per call
}
