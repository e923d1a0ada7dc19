package mqtt

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/log2"
)

const DefaultPort = 1883

type ProducerOptions struct {
	Broker         string
	Port           int
	ClientID       string
	Username       string
	Password       string // secret
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	// false: fresh connection for every message, closed right after write
	// true: one connection held until Release() or first failure
	ReuseConnection bool
	Dial            DialFunc
	Log             *log2.Log
}

// Producer publishes QoS 0 messages, at most once, best effort.
// - no subscriptions, no retained messages, no persistent session
// - failure of one Publish never affects the next one
// - not safe for concurrent use
type Producer struct {
	opt     ProducerOptions
	sessopt SessionOptions
	current *Session
}

func NewProducer(opt ProducerOptions) (*Producer, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mqtt broker=empty")
	}
	if opt.Port == 0 {
		opt.Port = DefaultPort
	}
	if opt.Port < 0 || opt.Port > 65535 {
		return nil, errors.NotValidf("mqtt port=%d", opt.Port)
	}
	opt.ClientID = defaultString(opt.ClientID, "hive2mqtt-"+uuid.New().String())
	if _, err := EncodeConnect(opt.ClientID, opt.Username, opt.Password); err != nil {
		return nil, errors.NewNotValid(err, "mqtt client_id/username/password too long")
	}

	p := &Producer{opt: opt}
	p.sessopt = SessionOptions{
		Addr:           net.JoinHostPort(opt.Broker, strconv.Itoa(opt.Port)),
		ClientID:       opt.ClientID,
		Username:       opt.Username,
		Password:       opt.Password,
		ConnectTimeout: opt.ConnectTimeout,
		IOTimeout:      opt.IOTimeout,
		Dial:           opt.Dial,
		Log:            opt.Log,
	}
	return p, nil
}

func (p *Producer) Addr() string     { return p.sessopt.Addr }
func (p *Producer) ClientID() string { return p.opt.ClientID }

func (p *Producer) Publish(ctx context.Context, topic, message string) error {
	// check size before paying for connection
	if _, err := EncodePublish(topic, message); err != nil {
		return err
	}

	if !p.opt.ReuseConnection {
		s, err := Open(ctx, p.sessopt)
		if err != nil {
			return err
		}
		defer s.Close()
		if err = s.Publish(topic, message); err != nil {
			return err
		}
		p.opt.Log.Debugf("mqtt published topic=%s message=%s", topic, message)
		return nil
	}

	if p.current == nil || p.current.State() != StateReady {
		s, err := Open(ctx, p.sessopt)
		if err != nil {
			return err
		}
		p.current = s
	}
	if err := p.current.Publish(topic, message); err != nil {
		p.Release()
		return err
	}
	p.opt.Log.Debugf("mqtt published topic=%s message=%s", topic, message)
	return nil
}

// Release closes held connection, if any. Next Publish reconnects.
func (p *Producer) Release() {
	if p.current != nil {
		_ = p.current.Close()
		p.current = nil
	}
}
