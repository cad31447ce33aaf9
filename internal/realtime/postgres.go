package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/wire"
)

// notifyChannel is the Postgres NOTIFY channel carrying commit events.
const notifyChannel = "driftline_commits"

// Postgres is a Broadcaster spanning server instances via LISTEN/NOTIFY.
// Each instance publishes with pg_notify and holds one dedicated listening
// connection that feeds an in-process Memory fan-out. NOTIFY echoes a
// publish back to the publishing instance's own listener, so local
// subscribers need no separate delivery path.
type Postgres struct {
	pool   *pgxpool.Pool
	local  *Memory
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres starts the listen loop. The loop reconnects with a short delay
// on connection loss; events arriving while disconnected are lost, which is
// within the broadcaster's best-effort contract.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) *Postgres {
	loopCtx, cancel := context.WithCancel(ctx)
	p := &Postgres{
		pool:   pool,
		local:  NewMemory(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listenLoop(loopCtx)
	return p
}

func (p *Postgres) Publish(ctx context.Context, ev wire.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	return err
}

func (p *Postgres) Subscribe(ctx context.Context) (<-chan wire.Event, func()) {
	return p.local.Subscribe(ctx)
}

func (p *Postgres) Close() {
	p.cancel()
	<-p.done
	p.local.Close()
}

func (p *Postgres) listenLoop(ctx context.Context) {
	defer close(p.done)

	for ctx.Err() == nil {
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("realtime listener disconnected, reconnecting")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev wire.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("payload", n.Payload).Msg("malformed realtime payload")
			continue
		}
		_ = p.local.Publish(ctx, ev)
	}
}
