// Package kafka holds the broker connection used to publish write-back
// lifecycle events
package kafka

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
)

const (
	ECode080001 = e.Code0800 + "01"
	ECode080002 = e.Code0800 + "02"
	ECode080003 = e.Code0800 + "03"
	ECode080004 = e.Code0800 + "04"
	ECode080005 = e.Code0800 + "05"
	ECode080006 = e.Code0800 + "06"
	ECode080007 = e.Code0800 + "07"
	ECode080008 = e.Code0800 + "08"
	ECode080009 = e.Code0800 + "09"

	defaultDialTimeout = 10 * time.Second
)

// ConnectionConfig for NewConn
type ConnectionConfig struct {
	AddressList   []string
	NoTLS         bool
	SASLMechanism sasl.Mechanism
	Timeout       time.Duration
	TLS           *tls.Config
}

// Connection a kafka connection with pre-initialized address list, dialer
// and transport
type Connection struct {
	addressList []string
	conn        *kafka.Conn
	dialer      *kafka.Dialer
	transport   *kafka.Transport
}

// NewConn creates a new Kafka connection and dials one of the brokers
func NewConn(ctx context.Context, conf ConnectionConfig) (c *Connection, err error) {
	c, err = newConnection(conf)
	if err != nil {
		return nil, e.W(err, ECode080001)
	}

	if err := c.Connect(ctx); err != nil {
		return nil, e.W(err, ECode080002)
	}

	return c, nil
}

// newConnection builds the dialer and transport without dialing
func newConnection(conf ConnectionConfig) (c *Connection, err error) {
	if len(conf.AddressList) == 0 {
		return nil, e.N(ECode080003, "no address")
	}

	c = &Connection{
		addressList: conf.AddressList,
	}

	dialer := &kafka.Dialer{
		DualStack: true,
		Timeout:   defaultDialTimeout,
	}
	transport := &kafka.Transport{}

	if conf.Timeout > 0 {
		dialer.Timeout = conf.Timeout
		transport.DialTimeout = conf.Timeout
	}

	switch {
	case conf.TLS != nil:
		dialer.TLS = conf.TLS
		transport.TLS = conf.TLS
	case conf.SASLMechanism != nil && !conf.NoTLS:
		// SASL without TLS is only allowed when asked for
		dialer.TLS = &tls.Config{}
		transport.TLS = &tls.Config{}
	}

	if conf.SASLMechanism != nil {
		dialer.SASLMechanism = conf.SASLMechanism
		transport.SASL = conf.SASLMechanism
	}

	c.dialer = dialer
	c.transport = transport

	return c, nil
}

// Connect opens a connection to a random broker of the address list
func (c *Connection) Connect(ctx context.Context) (err error) {
	if c.conn != nil {
		return e.N(ECode080004, "already connected")
	}

	addr := c.addressList[rand.Intn(len(c.addressList))]
	c.conn, err = c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return e.W(err, ECode080005, addr)
	}

	return nil
}

// Close closes the connection
func (c *Connection) Close() (err error) {
	if c.conn == nil {
		return nil
	}

	if err := c.conn.Close(); err != nil {
		return e.W(err, ECode080006)
	}
	c.conn = nil

	return nil
}

// EnsureTopic creates the topic through the controller if it does not exist
// yet. Creating an existing topic is not an error for kafka.
func (c *Connection) EnsureTopic(ctx context.Context, topic string, partitions, replication int) (err error) {
	broker, err := c.conn.Controller()
	if err != nil {
		return e.W(err, ECode080007)
	}

	cc, err := c.dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port)))
	if err != nil {
		return e.W(err, ECode080008)
	}
	defer func() {
		if err := cc.Close(); err != nil {
			log.Warn().Err(err).Msgf("[%s]failed to close controller connection", ECode080009)
		}
	}()

	return cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
}

// NewWriter returns a writer for topic using this connection's address list
// and transport. Messages are hashed by key so one record's events keep
// their order.
func (c *Connection) NewWriter(topic string) (w *kafka.Writer) {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.addressList...),
		Topic:        topic,
		Transport:    c.transport,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}
