package eta

import "time"

type Confidence string

const (
	High   Confidence = "HIGH"
	Medium Confidence = "MEDIUM"
	Low    Confidence = "LOW"
)

type Method string

const (
	Scheduled     Method = "SCHEDULED"
	DelayReported Method = "DELAY_REPORTED"
	PositionBased Method = "POSITION_BASED"
	Historical    Method = "HISTORICAL"
)

// Confidence is fixed per method; a result never claims more than the
// evidence behind it.
func (m Method) Confidence() Confidence {
	switch m {
	case DelayReported:
		return High
	case PositionBased, Historical:
		return Medium
	}
	return Low
}

// Result is the best arrival estimate for one trip at one stop.
type Result struct {
	TripID               string     `json:"tripId"`
	StopID               string     `json:"stopId"`
	ScheduledArrival     time.Time  `json:"scheduledArrival"`
	EstimatedArrival     time.Time  `json:"estimatedArrival"`
	DelaySeconds         int        `json:"delaySeconds"`
	Confidence           Confidence `json:"confidenceLevel"`
	Method               Method     `json:"calculationMethod"`
	VehicleID            string     `json:"vehicleId,omitempty"`
	DistanceToStopMeters *float64   `json:"distanceToStopMeters,omitempty"`
	CurrentStopID        string     `json:"currentStopId,omitempty"`
}

// NewResult builds a result for tgt, deriving the delay and confidence so
// both stay consistent with the estimate and method.
func NewResult(tgt Target, estimated time.Time, method Method) *Result {
	return &Result{
		TripID:           tgt.Call.Trip.TripID,
		StopID:           tgt.Call.StopTime.StopID,
		ScheduledArrival: tgt.Scheduled,
		EstimatedArrival: estimated,
		DelaySeconds:     int(estimated.Sub(tgt.Scheduled).Round(time.Second) / time.Second),
		Confidence:       method.Confidence(),
		Method:           method,
	}
}
