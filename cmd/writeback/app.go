package main

import (
	"context"
	"io"
	"time"

	"github.com/Skyrin/go-writeback/config"
	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/kafka"
	kafka_aws_ec2 "github.com/Skyrin/go-writeback/kafka/aws/ec2"
	"github.com/Skyrin/go-writeback/logger"
	"github.com/Skyrin/go-writeback/search"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/upstream"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/sqlmodel"
	"github.com/rs/zerolog/log"
)

const (
	ECode0C0102 = e.Code0C01 + "02"
	ECode0C0103 = e.Code0C01 + "03"
	ECode0C0104 = e.Code0C01 + "04"
	ECode0C0105 = e.Code0C01 + "05"
	ECode0C0106 = e.Code0C01 + "06"
	ECode0C0107 = e.Code0C01 + "07"
)

// app the resources shared by the commands
type app struct {
	cfg     *config.Config
	db      *sql.Connection
	store   *sqlmodel.Store
	emitter events.Emitter

	closers []io.Closer
}

type sinkMode int

const (
	withoutSinks sinkMode = iota
	withSinks
)

// newApp loads the config, sets up logging and connects to the database.
// With sinks, lifecycle events also go to kafka and the conflict index when
// configured.
func newApp(ctx context.Context, opts *RootOptions, mode sinkMode) (a *app, err error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, e.W(err, ECode0C0102)
	}

	a = &app{cfg: cfg, emitter: events.LogSink{}}

	lc, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, e.W(err, ECode0C0103)
	}
	a.closers = append(a.closers, lc)

	if a.db, err = sql.NewPostgresConn(ctx, &cfg.Database); err != nil {
		a.Close()
		return nil, e.W(err, ECode0C0104)
	}
	a.store = sqlmodel.NewStore(a.db)

	if mode == withSinks {
		if err := a.setupSinks(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) setupSinks(ctx context.Context) (err error) {
	sinks := events.Multi{events.LogSink{}}

	if a.cfg.Kafka.Enabled() {
		kc := a.cfg.Kafka
		conf := kafka.ConnectionConfig{
			AddressList: kc.Brokers,
			NoTLS:       kc.NoTLS,
		}
		if kc.Region != "" {
			conf.SASLMechanism, err = kafka_aws_ec2.NewSASLMechanism(ctx, kafka_aws_ec2.SASLMechanismConfig{
				Region:          kc.Region,
				AccessKeyID:     kc.AccessKeyID,
				SecretAccessKey: kc.SecretAccessKey,
				SessionToken:    kc.SessionToken,
			})
			if err != nil {
				return e.W(err, ECode0C0105)
			}
		}

		conn, err := kafka.NewConn(ctx, conf)
		if err != nil {
			return e.W(err, ECode0C0105, "connect")
		}
		a.closers = append(a.closers, conn)

		if err := conn.EnsureTopic(ctx, kc.Topic, kc.Partitions, kc.ReplicationFactor); err != nil {
			return e.W(err, ECode0C0105, kc.Topic)
		}

		ks := events.NewKafkaSink(conn.NewWriter(kc.Topic))
		a.closers = append(a.closers, ks)
		sinks = append(sinks, ks)
	}

	if a.cfg.Algolia.Enabled() {
		ac := a.cfg.Algolia
		ci, err := search.NewConflictIndex(ac.AppID, ac.APIKey, ac.Index)
		if err != nil {
			return e.W(err, ECode0C0106)
		}
		sinks = append(sinks, ci)
	}

	a.emitter = sinks

	return nil
}

// queue the producer side of the engine
func (a *app) queue() *writeback.Queue {
	return writeback.NewQueue(a.store, a.emitter, nil)
}

// worker builds a worker from the config
func (a *app) worker() (*writeback.Worker, error) {
	wc := a.cfg.Worker

	w, err := writeback.NewWorker(writeback.WorkerConfig{
		Store:          a.store,
		Clients:        upstream.NewPool(a.cfg.Credentials(), a.cfg.UpstreamDefaults()),
		Limiter:        writeback.NewOrgLimiter(wc.RatePerSecond),
		Emitter:        a.emitter,
		BatchSize:      wc.BatchSize,
		Interval:       wc.Interval,
		OrgConcurrency: wc.OrgConcurrency,
		BaseDelay:      wc.BaseDelay,
		MaxDelay:       wc.MaxDelay,
		StaleAfter:     wc.StaleAfter,
	})
	if err != nil {
		return nil, e.W(err, ECode0C0107)
	}

	return w, nil
}

// Close releases everything in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil

	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// parseTime accepts RFC3339 timestamps and plain dates
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
