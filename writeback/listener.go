package writeback

import (
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	ECode060701 = e.Code0607 + "01"
	ECode060702 = e.Code0607 + "02"
	ECode060703 = e.Code0607 + "03"
	ECode060704 = e.Code0607 + "04"
)

// Waker is woken when new work may be due
type Waker interface {
	Wake()
}

// EnqueueListener wakes a worker whenever an item is enqueued, so new work
// does not wait for the next poll. Polling keeps working without it.
type EnqueueListener struct {
	listener *pq.Listener
	waker    Waker
	doneCh   chan struct{}
}

// ListenEnqueued starts listening on the enqueue channel of the database
// behind connStr
func ListenEnqueued(connStr string, waker Waker) (el *EnqueueListener, err error) {
	el = &EnqueueListener{
		waker:  waker,
		doneCh: make(chan struct{}),
	}

	el.listener = pq.NewListener(connStr, 10*time.Second, time.Minute, el.log)
	if err := el.listener.Listen(model.NotifyChannel); err != nil {
		el.listener.Close()
		return nil, e.W(err, ECode060701)
	}

	go el.listen()

	return el, nil
}

// Close stops listening
func (el *EnqueueListener) Close() error {
	close(el.doneCh)
	if err := el.listener.Close(); err != nil {
		return e.W(err, ECode060702)
	}
	return nil
}

func (el *EnqueueListener) log(ev pq.ListenerEventType, err error) {
	if err != nil {
		log.Warn().Err(err).Msgf("[%s]enqueue listener event %d", ECode060703, ev)
	}
	// After a reconnect notifications may have been missed
	if ev == pq.ListenerEventReconnected {
		el.waker.Wake()
	}
}

func (el *EnqueueListener) listen() {
	for {
		select {
		case n, ok := <-el.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil is sent after the connection was re-established
				el.waker.Wake()
				continue
			}
			log.Debug().Msgf("[%s]enqueued for organization %s", ECode060704, n.Extra)
			el.waker.Wake()
		case <-el.doneCh:
			return
		case <-time.After(time.Minute):
			go el.listener.Ping()
		}
	}
}
