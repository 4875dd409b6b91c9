package poll

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sagernet/sing-nio/common"
	E "github.com/sagernet/sing-nio/common/exceptions"
	"github.com/sagernet/sing-nio/common/log"
	"github.com/sagernet/sing-nio/common/native"
	"github.com/sagernet/sing-nio/common/thread"

	"github.com/sirupsen/logrus"
)

var ErrNotStarted = E.New("poller group not started")

type PollerStats struct {
	Owner         string `json:"owner"`
	Registrations int    `json:"registrations"`
	Unparks       int64  `json:"unparks"`
}

type GroupStats struct {
	Mode          Mode          `json:"mode"`
	Registrations int           `json:"registrations"`
	Pollers       []PollerStats `json:"pollers"`
}

// Group is the ensemble of pollers shared by every channel of a process.
// It is built once, started explicitly and handed to channels.
type Group struct {
	dispatcher native.Dispatcher
	config     Config
	logger     *logrus.Entry
	ctx        context.Context
	cancel     context.CancelFunc

	access       sync.RWMutex
	started      bool
	closed       bool
	master       *Poller
	readPollers  []*Poller
	writePollers []*Poller
	carriers     map[uint64]*Poller
}

func NewGroup(dispatcher native.Dispatcher, config Config) (*Group, error) {
	config = config.WithDefaults()
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		dispatcher: dispatcher,
		config:     config,
		logger:     log.NewLogger("poll"),
		ctx:        ctx,
		cancel:     cancel,
		carriers:   make(map[uint64]*Poller),
	}, nil
}

func (g *Group) Config() Config {
	return g.config
}

func (g *Group) Start() error {
	g.access.Lock()
	defer g.access.Unlock()
	if g.closed {
		return net.ErrClosed
	}
	if g.started {
		return nil
	}
	var pollers []*Poller
	newPoller := func(events native.Event, owner string) (*Poller, error) {
		poller, err := NewPoller(g.dispatcher, events, owner)
		if err == nil {
			pollers = append(pollers, poller)
		}
		return poller, err
	}
	lightweight := g.config.Mode != ModeSystemThreads
	var err error
	if lightweight {
		g.master, err = newPoller(native.EventRead, "master-poller")
		if err != nil {
			return err
		}
	}
	readLightweight := g.config.Mode == ModeLightweight
	g.readPollers = make([]*Poller, g.config.ReadPollers)
	for i := range g.readPollers {
		g.readPollers[i], err = newPoller(native.EventRead, pollerName("read", i, readLightweight))
		if err != nil {
			common.Close(common.Map(pollers, func(it *Poller) any { return it.multiplexer })...)
			return err
		}
	}
	g.writePollers = make([]*Poller, g.config.WritePollers)
	for i := range g.writePollers {
		g.writePollers[i], err = newPoller(native.EventWrite, pollerName("write", i, readLightweight))
		if err != nil {
			common.Close(common.Map(pollers, func(it *Poller) any { return it.multiplexer })...)
			return err
		}
	}
	if g.master != nil {
		g.master.startBlocking()
	}
	for _, poller := range g.readPollers {
		if readLightweight {
			poller.startLightweight(g.ctx, g.master)
		} else {
			poller.startBlocking()
		}
	}
	for _, poller := range g.writePollers {
		if readLightweight {
			poller.startLightweight(g.ctx, g.master)
		} else {
			poller.startBlocking()
		}
	}
	g.started = true
	g.logger.Info("started ", g.config.ReadPollers, " read and ", g.config.WritePollers, " write pollers in ", g.config.Mode, " mode")
	return nil
}

func pollerName(direction string, index int, lightweight bool) string {
	name := direction + "-poller-" + strconv.Itoa(index)
	if lightweight {
		return name + " (lightweight)"
	}
	return name + " (system thread)"
}

// Close stops every poller. Parked callers wake up and find their
// channels' state unchanged, so it is only meant for process shutdown and
// tests.
func (g *Group) Close() error {
	g.access.Lock()
	if g.closed {
		g.access.Unlock()
		return nil
	}
	g.closed = true
	carriers := make([]*Poller, 0, len(g.carriers))
	for _, poller := range g.carriers {
		carriers = append(carriers, poller)
	}
	g.carriers = make(map[uint64]*Poller)
	g.access.Unlock()
	var errors []error
	for _, poller := range carriers {
		errors = append(errors, poller.Close())
	}
	for _, poller := range g.readPollers {
		errors = append(errors, poller.Close())
	}
	for _, poller := range g.writePollers {
		errors = append(errors, poller.Close())
	}
	if g.master != nil {
		errors = append(errors, g.master.Close())
	}
	g.cancel()
	return E.Errors(errors...)
}

// ReadPoller returns the poller that a reader of fd in ctx parks on.
func (g *Group) ReadPoller(ctx context.Context, fd native.Handle) (*Poller, error) {
	g.access.RLock()
	if !g.started || g.closed {
		g.access.RUnlock()
		return nil, g.stateError()
	}
	if g.config.Mode == ModePerCarrier {
		if carrier := thread.FromContext(ctx).Carrier; carrier != nil {
			poller := g.carriers[carrier.ID()]
			g.access.RUnlock()
			if poller != nil {
				return poller, nil
			}
			return g.carrierPoller(carrier)
		}
	}
	poller := g.readPollers[int(fd)&(len(g.readPollers)-1)]
	g.access.RUnlock()
	return poller, nil
}

func (g *Group) WritePoller(fd native.Handle) (*Poller, error) {
	g.access.RLock()
	defer g.access.RUnlock()
	if !g.started || g.closed {
		return nil, g.stateError()
	}
	return g.writePollers[int(fd)&(len(g.writePollers)-1)], nil
}

func (g *Group) stateError() error {
	if g.closed {
		return net.ErrClosed
	}
	return ErrNotStarted
}

func (g *Group) carrierPoller(carrier *thread.Carrier) (*Poller, error) {
	g.access.Lock()
	if g.closed {
		g.access.Unlock()
		return nil, net.ErrClosed
	}
	if poller := g.carriers[carrier.ID()]; poller != nil {
		g.access.Unlock()
		return poller, nil
	}
	poller, err := NewPoller(g.dispatcher, native.EventRead, "carrier-"+strconv.FormatUint(carrier.ID(), 10)+"-read-poller")
	if err != nil {
		g.access.Unlock()
		return nil, err
	}
	if !carrier.OnTerminate(func() { g.terminateCarrier(carrier.ID()) }) {
		g.access.Unlock()
		poller.Close()
		return nil, E.New("carrier ", carrier.ID(), " terminated")
	}
	g.carriers[carrier.ID()] = poller
	poller.startLightweight(g.ctx, g.master)
	g.access.Unlock()
	return poller, nil
}

func (g *Group) terminateCarrier(id uint64) {
	g.access.Lock()
	poller := g.carriers[id]
	delete(g.carriers, id)
	g.access.Unlock()
	if poller != nil {
		err := poller.Close()
		if err != nil {
			g.logger.Debug("close ", poller.owner, ": ", err)
		}
	}
}

// Park blocks a lightweight caller until fd is ready for event.
func (g *Group) Park(ctx context.Context, fd native.Handle, event native.Event, deadline time.Time, isOpen func() bool) error {
	var (
		poller *Poller
		err    error
	)
	if event == native.EventWrite {
		poller, err = g.WritePoller(fd)
	} else {
		poller, err = g.ReadPoller(ctx, fd)
	}
	if err != nil {
		return err
	}
	_, err = poller.Park(ctx, fd, deadline, isOpen)
	return err
}

// Unpark wakes every caller parked on fd in any poller and returns how
// many were woken.
func (g *Group) Unpark(fd native.Handle) int {
	g.access.RLock()
	if !g.started {
		g.access.RUnlock()
		return 0
	}
	candidates := []*Poller{
		g.readPollers[int(fd)&(len(g.readPollers)-1)],
		g.writePollers[int(fd)&(len(g.writePollers)-1)],
	}
	for _, poller := range g.carriers {
		candidates = append(candidates, poller)
	}
	g.access.RUnlock()
	var woken int
	for _, poller := range candidates {
		if poller.Wakeup(fd) {
			woken++
		}
	}
	return woken
}

func (g *Group) Pollers() []*Poller {
	g.access.RLock()
	defer g.access.RUnlock()
	var pollers []*Poller
	if g.master != nil {
		pollers = append(pollers, g.master)
	}
	pollers = append(pollers, g.readPollers...)
	pollers = append(pollers, g.writePollers...)
	for _, poller := range g.carriers {
		pollers = append(pollers, poller)
	}
	return pollers
}

func (g *Group) Stats() GroupStats {
	stats := GroupStats{Mode: g.config.Mode}
	for _, poller := range g.Pollers() {
		registrations := poller.Registrations()
		// the master only holds the handles of other pollers
		if poller != g.master {
			stats.Registrations += registrations
		}
		stats.Pollers = append(stats.Pollers, PollerStats{
			Owner:         poller.Owner(),
			Registrations: registrations,
			Unparks:       poller.Unparks(),
		})
	}
	return stats
}
