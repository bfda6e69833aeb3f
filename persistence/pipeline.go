package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/payload"
	"golang.org/x/sync/errgroup"
)

// Participant contributes values to every save of an instance and receives them back on load.
type Participant interface {
	// CollectValues returns the values to save. Write-only values are not returned on load.
	CollectValues() (readWrite, writeOnly map[Key]payload.Payload, err error)

	// MapValues derives additional write-only values from everything collected. The maps must not be modified.
	MapValues(readWrite, writeOnly map[Key]payload.Payload) (map[Key]payload.Payload, error)

	// PublishValues receives the values loaded from the store.
	PublishValues(readWrite map[Key]payload.Payload) error
}

// IOParticipant performs its own I/O as part of a save or load.
type IOParticipant interface {
	Participant

	OnSave(ctx context.Context, readWrite, writeOnly map[Key]payload.Payload) error
	OnLoad(ctx context.Context, readWrite map[Key]payload.Payload) error

	// Abort is called on every I/O participant when a save or load failed.
	Abort()
}

// TransactionalParticipant is implemented by participants that need their I/O to be part of a transaction scope.
type TransactionalParticipant interface {
	RequiresTransaction() bool
}

// Pipeline runs the participants of one save or load.
type Pipeline struct {
	participants []Participant
	values       Values
	logger       *slog.Logger
}

func NewPipeline(logger *slog.Logger, participants ...Participant) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		participants: participants,
		values:       Values{},
		logger:       logger,
	}
}

func (p *Pipeline) add(k Key, data payload.Payload, opts ValueOptions, source Participant) error {
	if _, ok := p.values[k]; ok {
		return fmt.Errorf("%w: %s (%T)", ErrValueCollision, k, source)
	}

	p.values[k] = Value{Data: data, Options: opts}

	return nil
}

// Collect gathers the values of all participants.
func (p *Pipeline) Collect() error {
	for _, pp := range p.participants {
		rw, wo, err := pp.CollectValues()
		if err != nil {
			return fmt.Errorf("collecting values from %T: %w", pp, err)
		}

		for k, v := range rw {
			if err := p.add(k, v, ValueOptionsNone, pp); err != nil {
				return err
			}
		}

		for k, v := range wo {
			if err := p.add(k, v, WriteOnly, pp); err != nil {
				return err
			}
		}
	}

	return nil
}

// Map lets every participant derive additional values from the collected ones.
func (p *Pipeline) Map() error {
	rw, wo := p.views()

	var mapped []struct {
		values map[Key]payload.Payload
		source Participant
	}

	for _, pp := range p.participants {
		m, err := pp.MapValues(rw, wo)
		if err != nil {
			return fmt.Errorf("mapping values in %T: %w", pp, err)
		}

		if len(m) > 0 {
			mapped = append(mapped, struct {
				values map[Key]payload.Payload
				source Participant
			}{m, pp})
		}
	}

	for _, m := range mapped {
		for k, v := range m.values {
			if err := p.add(k, v, WriteOnly|Optional, m.source); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Pipeline) views() (rw, wo map[Key]payload.Payload) {
	rw = map[Key]payload.Payload{}
	wo = map[Key]payload.Payload{}

	for k, v := range p.values {
		if v.Options.Has(WriteOnly) {
			wo[k] = v.Data
		} else {
			rw[k] = v.Data
		}
	}

	return rw, wo
}

// Values returns everything collected and mapped so far.
func (p *Pipeline) Values() Values {
	return p.values
}

// SetLoadedValues replaces the pipeline values with the ones loaded from the store.
func (p *Pipeline) SetLoadedValues(v Values) {
	p.values = v.Readable()
}

func (p *Pipeline) ioParticipants() []IOParticipant {
	var ios []IOParticipant
	for _, pp := range p.participants {
		if io, ok := pp.(IOParticipant); ok {
			ios = append(ios, io)
		}
	}

	return ios
}

// IsIO reports whether any participant performs its own I/O.
func (p *Pipeline) IsIO() bool {
	return len(p.ioParticipants()) > 0
}

// RequiresTransaction reports whether any participant asked for a transaction scope.
func (p *Pipeline) RequiresTransaction() bool {
	for _, pp := range p.participants {
		if tp, ok := pp.(TransactionalParticipant); ok && tp.RequiresTransaction() {
			return true
		}
	}

	return false
}

// Save runs OnSave of all I/O participants concurrently. If any of them fails, all are aborted.
func (p *Pipeline) Save(ctx context.Context) error {
	rw, wo := p.views()

	return p.runIO(ctx, func(ctx context.Context, io IOParticipant) error {
		return io.OnSave(ctx, rw, wo)
	})
}

// Load runs OnLoad of all I/O participants concurrently. If any of them fails, all are aborted.
func (p *Pipeline) Load(ctx context.Context) error {
	rw, _ := p.views()

	return p.runIO(ctx, func(ctx context.Context, io IOParticipant) error {
		return io.OnLoad(ctx, rw)
	})
}

func (p *Pipeline) runIO(ctx context.Context, f func(context.Context, IOParticipant) error) error {
	ios := p.ioParticipants()
	if len(ios) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, io := range ios {
		io := io
		g.Go(func() error {
			if err := f(gctx, io); err != nil {
				return fmt.Errorf("%T: %w", io, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Warn("persistence participant failed, aborting pipeline", "error", err)
		p.Abort()
		return err
	}

	return nil
}

// Publish hands the loaded values to all participants.
func (p *Pipeline) Publish() error {
	rw, _ := p.views()

	for _, pp := range p.participants {
		if err := pp.PublishValues(rw); err != nil {
			return fmt.Errorf("publishing values to %T: %w", pp, err)
		}
	}

	return nil
}

// Abort aborts all I/O participants.
func (p *Pipeline) Abort() {
	for _, io := range p.ioParticipants() {
		p.logger.Debug("aborting persistence participant", log.ParticipantKey, fmt.Sprintf("%T", io))
		io.Abort()
	}
}
