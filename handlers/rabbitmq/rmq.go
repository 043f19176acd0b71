package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ipaas-org/ci-runner/model"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) (*model.Run, error)
}

type RabbitMQ struct {
	l                 *logrus.Logger
	Error             <-chan error
	Connection        *amqp.Connection
	Channel           *amqp.Channel
	ResponseQueue     amqp.Queue
	Delivery          <-chan amqp.Delivery
	uri               string
	requestQueueName  string
	responseQueueName string
	Runner            Runner
	// Defaults fills the fields a request leaves empty
	Defaults          model.RunRequest
	Done              chan struct{}
	restarts          int
}

func NewRabbitMQ(uri, requestQueue, reponseQueue string, runner Runner, logger *logrus.Logger) *RabbitMQ {
	doneChan := make(chan struct{})
	return &RabbitMQ{
		uri:               uri,
		l:                 logger,
		requestQueueName:  requestQueue,
		responseQueueName: reponseQueue,
		Runner:            runner,
		Done:              doneChan,
		restarts:          0,
	}
}

func (r *RabbitMQ) Connect() error {
	r.l.Info("connecting to rabbitmq")
	var err error
	r.Connection, err = amqp.Dial(r.uri)
	if err != nil {
		return fmt.Errorf("ampq.Dial: %w", err)
	}

	errs := make(chan *amqp.Error, 1)
	r.Connection.NotifyClose(errs)
	r.Error = forwardErrors(errs)

	r.Channel, err = r.Connection.Channel()
	if err != nil {
		return fmt.Errorf("r.Connection.Channel: %w", err)
	}

	// one run at a time
	if err = r.Channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("r.Channel.Qos: %w", err)
	}

	if r.ResponseQueue, err = r.declare(r.responseQueueName); err != nil {
		return err
	}
	q, err := r.declare(r.requestQueueName)
	if err != nil {
		return err
	}

	r.Delivery, err = r.Channel.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("r.Channel.Consume: %w", err)
	}

	return nil
}

// declare creates a durable queue, or checks the existing one matches.
func (r *RabbitMQ) declare(name string) (amqp.Queue, error) {
	q, err := r.Channel.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return q, fmt.Errorf("r.Channel.QueueDeclare(%s): %w", name, err)
	}
	return q, nil
}

func forwardErrors(in <-chan *amqp.Error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		for e := range in {
			out <- e
		}
	}()
	return out
}

func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			return fmt.Errorf("r.Channel.Close: %w", err)
		}
	}

	if r.Connection != nil {
		if err := r.Connection.Close(); err != nil {
			return fmt.Errorf("r.Connection.Close: %w", err)
		}
	}

	return nil
}

// Start connects and consumes until ctx ends. When the routine dies it asks
// to be restarted through routineMonitor, at most 5 times.
func (r *RabbitMQ) Start(ctx context.Context, ID int, routineMonitor chan int) {
	defer func(restarts int) {
		r.Close()
		rec := recover()
		if rec != nil {
			r.l.Error("rabbitmq routine panic:", rec)
			r.l.Error(string(debug.Stack()))
		}
		if ctx.Err() == nil && restarts <= 5 {
			if restarts > 0 {
				time.Sleep(3 * time.Second)
			}
			routineMonitor <- ID
		} else {
			r.l.Infof("rabbitmq routine [ID=%d] not restarting", ID)
			r.Done <- struct{}{}
		}
	}(r.restarts)

	r.l.Infof("starting rabbitmq routine [ID=%d]", ID)
	if err := r.Connect(); err != nil {
		r.l.Error("r.Connect():", err)
		r.restarts++
		return
	}

	r.l.Infof("rabbitmq routine [ID=%d] connected", ID)

	r.Consume(ctx)
	r.l.Info("rabbitmq done consuming")
}

func (r *RabbitMQ) Consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.l.Info("stopping rabbitmq consumer, context cancelled")
			return
		case err, ok := <-r.Error:
			if !ok {
				return
			}
			r.l.Error(err)
			r.restarts++
			return
		case d, ok := <-r.Delivery:
			if !ok {
				r.l.Warn("delivery channel closed")
				r.restarts++
				return
			}
			r.l.Info("received message from rabbitmq")
			r.l.Debug(string(d.Body))

			response := r.Handle(ctx, d.Body)
			if err := d.Ack(false); err != nil {
				r.l.Errorf("r.Consume.Ack(): %v", err)
			}
			r.SendResponse(replyTo(d, r.responseQueueName), response)
		}
	}
}

// Handle decodes a run request and runs it. Malformed requests are answered
// with a failed response instead of being requeued forever.
func (r *RabbitMQ) Handle(ctx context.Context, body []byte) model.RunResponse {
	var req model.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		r.l.Errorf("r.Handle.json.Unmarshal(): %v", err)
		return model.NewRunResponse(nil, fmt.Errorf("invalid run request: %w", err))
	}
	if req.Pipeline == "" {
		req.Pipeline = r.Defaults.Pipeline
	}
	if req.Workspace == "" {
		req.Workspace = r.Defaults.Workspace
	}
	r.l.Debugf("run request: %+v", req)

	run, err := r.Runner.Run(ctx, req)
	if err != nil {
		r.l.Errorf("r.Runner.Run(): %v", err)
	}
	return model.NewRunResponse(run, err)
}

// reply addresses the response of one delivery.
type reply struct {
	queue         string
	correlationID string
}

// replyTo honours the requester's reply-to queue, the response queue
// otherwise.
func replyTo(d amqp.Delivery, fallback string) reply {
	q := d.ReplyTo
	if q == "" {
		q = fallback
	}
	return reply{queue: q, correlationID: d.CorrelationId}
}

func (r *RabbitMQ) SendResponse(to reply, response model.RunResponse) {
	r.l.Infof("sending response of run %s to %s", response.RunID, to.queue)
	r.l.Debug(response)

	body, err := json.Marshal(response)
	if err != nil {
		r.l.Errorf("r.SendResponse.json.Marshal(): %v", err)
		return
	}

	err = r.Channel.Publish("", to.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: to.correlationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		r.l.Errorf("r.SendResponse.Channel.Publish(): %v", err)
	}
}
