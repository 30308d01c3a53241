package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"transit-eta/internal/eta"
)

const (
	StopSubject    = "eta.stop"
	VehicleSubject = "eta.vehicle"

	queueGroup     = "etad"
	requestTimeout = 5 * time.Second
)

// Estimator is the ETA surface served over NATS.
type Estimator interface {
	CalculateForStop(ctx context.Context, tripID, stopID string) (*eta.Result, error)
	ForStop(ctx context.Context, stopID string, limit int) ([]eta.Result, error)
	ForVehicle(ctx context.Context, vehicleID, stopID string) (*eta.Result, error)
}

// StopRequest asks for one trip at a stop when TripID is set, otherwise
// for the next departures from the stop.
type StopRequest struct {
	TripID string `json:"tripId,omitempty"`
	StopID string `json:"stopId"`
	Limit  int    `json:"limit,omitempty"`
}

type VehicleRequest struct {
	VehicleID string `json:"vehicleId"`
	StopID    string `json:"stopId"`
}

type Reply struct {
	ETAs []eta.Result `json:"etas"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// requestError is a client mistake, reported back verbatim.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

type Responder struct {
	est     Estimator
	metrics Metrics
	subs    []*nats.Subscription

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewResponder(est Estimator, m Metrics) *Responder {
	return &Responder{est: est, metrics: m}
}

// Subscribe registers the responder on both ETA subjects in a queue group
// so several daemons can share the load.
func (r *Responder) Subscribe(nc *nats.Conn) error {
	for _, subject := range []string{StopSubject, VehicleSubject} {
		sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			r.handleMsg(ctx, msg.Subject, msg.Data, msg.Respond)
		})
		if err != nil {
			r.Unsubscribe()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	log.Printf("answering eta requests on %s, %s", StopSubject, VehicleSubject)
	return nil
}

// Unsubscribe stops taking requests and waits for the ones being answered,
// so the store behind the estimator can be closed afterwards.
func (r *Responder) Unsubscribe() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
	r.inflight.Wait()
}

// handleMsg answers one delivered request unless the responder is shutting
// down, in which case the request is dropped and the caller times out.
func (r *Responder) handleMsg(ctx context.Context, subject string, data []byte, respond func([]byte) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	if err := respond(r.Handle(ctx, subject, data)); err != nil {
		log.Printf("eta respond on %s: %v", subject, err)
	}
}

// Handle answers one request and always returns a JSON reply body.
func (r *Responder) Handle(ctx context.Context, subject string, data []byte) []byte {
	etas, err := r.dispatch(ctx, subject, data)
	result := "ok"
	var body any = Reply{ETAs: etas}
	var re *requestError
	switch {
	case errors.As(err, &re):
		result = "bad_request"
		body = ErrorReply{Error: err.Error()}
	case err != nil:
		result = "error"
		log.Printf("eta request on %s: %v", subject, err)
		body = ErrorReply{Error: "internal error"}
	}
	if r.metrics != nil {
		r.metrics.RequestInc(subject, result)
	}
	b, err := json.Marshal(body)
	if err != nil {
		log.Printf("marshal eta reply: %v", err)
		return []byte(`{"error":"internal error"}`)
	}
	return b
}

func (r *Responder) dispatch(ctx context.Context, subject string, data []byte) ([]eta.Result, error) {
	switch subject {
	case StopSubject:
		var req StopRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, badRequest("invalid request: " + err.Error())
		}
		if req.StopID == "" {
			return nil, badRequest("stopId is required")
		}
		if req.Limit < 0 {
			return nil, badRequest("limit must not be negative")
		}
		if req.TripID != "" {
			res, err := r.est.CalculateForStop(ctx, req.TripID, req.StopID)
			return single(res), err
		}
		res, err := r.est.ForStop(ctx, req.StopID, req.Limit)
		if res == nil {
			res = []eta.Result{}
		}
		return res, err
	case VehicleSubject:
		var req VehicleRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, badRequest("invalid request: " + err.Error())
		}
		if req.VehicleID == "" || req.StopID == "" {
			return nil, badRequest("vehicleId and stopId are required")
		}
		res, err := r.est.ForVehicle(ctx, req.VehicleID, req.StopID)
		return single(res), err
	}
	return nil, badRequest("unknown subject " + subject)
}

func single(r *eta.Result) []eta.Result {
	if r == nil {
		return []eta.Result{}
	}
	return []eta.Result{*r}
}
