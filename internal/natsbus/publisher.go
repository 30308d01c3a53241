package natsbus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"transit-eta/internal/positions"
)

// SubjectPrefix roots every position subject: positions.<route>.<trip>.
const SubjectPrefix = "positions"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	nc          Conn
	logSubjects bool
	metrics     Metrics
}

func NewPublisher(nc Conn, logSubjects bool, m Metrics) *Publisher {
	return &Publisher{nc: nc, logSubjects: logSubjects, metrics: m}
}

type PositionMessage struct {
	SnapshotID      string    `json:"snapshotId"`
	Timestamp       time.Time `json:"timestamp"`
	TripID          string    `json:"tripId"`
	RouteID         string    `json:"routeId"`
	RouteShortName  string    `json:"routeShortName,omitempty"`
	RouteColor      string    `json:"routeColor,omitempty"`
	Headsign        string    `json:"headsign,omitempty"`
	ServiceDate     string    `json:"serviceDate"`
	Lat             float64   `json:"lat"`
	Lon             float64   `json:"lon"`
	Bearing         float64   `json:"bearing"`
	Status          string    `json:"status"`
	CurrentStopID   string    `json:"currentStopId"`
	CurrentStopName string    `json:"currentStopName,omitempty"`
	NextStopID      string    `json:"nextStopId,omitempty"`
	NextStopName    string    `json:"nextStopName,omitempty"`
	Progress        float64   `json:"progressPercent"`
}

func NewPositionMessage(snapshotID string, at time.Time, p positions.Position) PositionMessage {
	return PositionMessage{
		SnapshotID:      snapshotID,
		Timestamp:       at,
		TripID:          p.TripID,
		RouteID:         p.RouteID,
		RouteShortName:  p.RouteShortName,
		RouteColor:      p.RouteColor,
		Headsign:        p.Headsign,
		ServiceDate:     p.ServiceDate.Format("2006-01-02"),
		Lat:             p.Lat,
		Lon:             p.Lon,
		Bearing:         p.Bearing,
		Status:          string(p.Status()),
		CurrentStopID:   p.CurrentStopID,
		CurrentStopName: p.CurrentStopName,
		NextStopID:      p.NextStopID,
		NextStopName:    p.NextStopName,
		Progress:        p.ProgressPercent,
	}
}

func PositionSubject(routeID, tripID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(routeID), subjectToken(tripID))
}

func (p *Publisher) PublishPosition(msg PositionMessage) error {
	subject := PositionSubject(msg.RouteID, msg.TripID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishPositions publishes one message per position, all stamped with
// the same snapshot id. It keeps going past failures and returns the
// number published and the first error.
func (p *Publisher) PublishPositions(snapshotID string, at time.Time, ps []positions.Position) (int, error) {
	var firstErr error
	n := 0
	for _, pos := range ps {
		if err := p.PublishPosition(NewPositionMessage(snapshotID, at, pos)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
