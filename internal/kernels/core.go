// Package kernels holds the built-in kernels the grace daemon supervises.
// Each kernel is an opaque worker from the control plane's point of view; the
// types here only give the starter registry something real to run.
package kernels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
)

const selfCheckTopic = "bus.selfcheck"

// MessageBus is the message_bus kernel. The bus itself lives for the whole
// process; the kernel proves it still delivers.
type MessageBus struct {
	bus          *bus.Bus
	beatInterval time.Duration
}

func NewMessageBus(b *bus.Bus, beatInterval time.Duration) *MessageBus {
	return &MessageBus{bus: b, beatInterval: orInterval(beatInterval)}
}

func (m *MessageBus) Start(ctx context.Context, beat kernel.Beat) error {
	if m.bus == nil {
		return errors.New("message bus not configured")
	}
	if m.bus.Closed() {
		return errors.New("message bus closed")
	}
	beat()
	return m.roundTrip(ctx)
}

func (m *MessageBus) Run(ctx context.Context, beat kernel.Beat) error {
	return kernel.BeatEvery(ctx, m.beatInterval, beat)
}

// roundTrip publishes on a private subscription and waits for delivery.
func (m *MessageBus) roundTrip(ctx context.Context) error {
	sub := m.bus.Subscribe(selfCheckTopic)
	defer m.bus.Unsubscribe(sub)
	m.bus.Publish(selfCheckTopic, struct{}{})
	select {
	case _, ok := <-sub.Ch():
		if !ok {
			return errors.New("message bus closed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
		return errors.New("bus self-check not delivered")
	}
}

func (m *MessageBus) SelfTest() readiness.SelfTest {
	return readiness.All(
		readiness.Condition("open", func() bool { return !m.bus.Closed() }, "bus closed"),
		readiness.Probe("delivery", m.roundTrip),
	)
}

// ImmutableLog is the immutable_log kernel. It attaches the store as the
// audit log's durable sink and keeps checking the store is reachable.
type ImmutableLog struct {
	log          *audit.Log
	store        *persistence.Store
	homeDir      string
	beatInterval time.Duration
	logger       *slog.Logger
}

var _ kernel.Resumable = (*ImmutableLog)(nil)

func NewImmutableLog(l *audit.Log, store *persistence.Store, homeDir string, beatInterval time.Duration, logger *slog.Logger) *ImmutableLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImmutableLog{
		log:          l,
		store:        store,
		homeDir:      homeDir,
		beatInterval: orInterval(beatInterval),
		logger:       logger.With("kernel", "immutable_log"),
	}
}

func (k *ImmutableLog) Start(ctx context.Context, beat kernel.Beat) error {
	_, err := k.StartFrom(ctx, nil, beat)
	return err
}

// StartFrom skips the schema query when an earlier attempt already read the
// schema version.
func (k *ImmutableLog) StartFrom(ctx context.Context, cached any, beat kernel.Beat) (any, error) {
	if k.log == nil || k.store == nil {
		return nil, errors.New("immutable log not configured")
	}
	version, ok := cached.(int)
	if !ok {
		v, err := k.store.SchemaVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read schema version: %w", err)
		}
		version = v
	}
	beat()
	if err := k.store.Ping(ctx); err != nil {
		return version, fmt.Errorf("ping store: %w", err)
	}
	k.log.SetSink(k.store)
	k.logger.InfoContext(ctx, "audit sink attached", "schema_version", version)
	return version, nil
}

// Run returns an error once the store stops answering, which the sweep treats
// as a crash.
func (k *ImmutableLog) Run(ctx context.Context, beat kernel.Beat) error {
	ticker := time.NewTicker(k.beatInterval)
	defer ticker.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.store.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("store unreachable: %w", err)
			}
			beat()
		}
	}
}

func (k *ImmutableLog) SelfTest() readiness.SelfTest {
	return readiness.All(
		readiness.Probe("store", k.store.Ping),
		readiness.Writable(filepath.Join(k.homeDir, "logs")),
	)
}
