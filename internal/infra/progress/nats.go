package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// DefaultSubjectPrefix prefixes per-project subjects: cerebrum.progress.<projectID>.
const DefaultSubjectPrefix = "cerebrum.progress"

type natsSubscription interface {
	Unsubscribe() error
}

type natsConnection interface {
	Publish(string, []byte) error
	Subscribe(string, nats.MsgHandler) (natsSubscription, error)
	Close() error
}

// NATSPublisher publishes progress entries as JSON.
type NATSPublisher struct {
	conn   natsConnection
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(url,
		nats.Name("cerebrum"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: &natsConnectionAdapter{conn}, prefix: prefix}, nil
}

// Subject returns the subject for a project.
func (p *NATSPublisher) Subject(projectID string) string {
	return p.prefix + "." + projectID
}

// Record implements domain.ProgressRecorder.
func (p *NATSPublisher) Record(ctx context.Context, e domain.ProgressEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(e.ProjectID), raw)
}

// Watch streams a project's live progress until ctx is done or stop is called.
// projectID "*" watches every project.
func (p *NATSPublisher) Watch(ctx context.Context, projectID string) (<-chan domain.ProgressEntry, func(), error) {
	out := make(chan domain.ProgressEntry, 32)
	var stopped int32
	var mu sync.RWMutex
	var once sync.Once
	var sub natsSubscription

	stop := func() {
		once.Do(func() {
			atomic.StoreInt32(&stopped, 1)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}

	sub, err := p.conn.Subscribe(p.Subject(projectID), func(msg *nats.Msg) {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		var e domain.ProgressEntry
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		select {
		case out <- e:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return out, stop, nil
}

// Close drops the NATS connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

type natsConnectionAdapter struct {
	*nats.Conn
}

func (a *natsConnectionAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	sub, err := a.Conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsConnectionAdapter) Close() error {
	a.Conn.Close()
	return nil
}
