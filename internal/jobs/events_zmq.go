package jobs

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// EventTopic prefixes every published message so subscribers can filter.
const EventTopic = "reframe.job"

// Publisher forwards job events to a ZeroMQ PUB socket as two-frame messages:
// the topic, then the CBOR-encoded Event.
type Publisher struct {
	socket *zmq4.Socket
	logger zerolog.Logger
}

// NewPublisher binds a PUB socket, e.g. "tcp://*:5557".
func NewPublisher(endpoint string, logger zerolog.Logger) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &Publisher{
		socket: socket,
		logger: logger.With().Str("component", "events").Str("endpoint", endpoint).Logger(),
	}, nil
}

// EncodeEvent is the wire payload of one event.
func EncodeEvent(ev Event) ([]byte, error) {
	return cbor.Marshal(ev)
}

// Forward publishes events until the channel closes or ctx is done. The socket
// is owned by this goroutine once Forward starts.
func (p *Publisher) Forward(ctx context.Context, events <-chan Event) {
	defer p.socket.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := EncodeEvent(ev)
			if err != nil {
				p.logger.Warn().Err(err).Msg("event encode failed")
				continue
			}
			if _, err := p.socket.SendMessage(EventTopic, payload); err != nil {
				p.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("event publish failed")
			}
		}
	}
}
