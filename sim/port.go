package sim

import (
	"log"
	"sync"
)

// HookPosPortMsgSend marks when a message is sent out from the port.
var HookPosPortMsgSend = &HookPos{Name: "Port Msg Send"}

// HookPosPortMsgRecvd marks when an inbound message arrives at the port.
var HookPosPortMsgRecvd = &HookPos{Name: "Port Msg Recv"}

// A Port is owned by a component and is used to plug in connections.
type Port interface {
	Named
	Hookable

	SetConnection(conn Connection)
	Component() Component

	// For connections.
	Recv(msg Msg) *SendError
	NotifyAvailable(now VTimeInSec)

	// For components.
	Send(msg Msg) *SendError
	Retrieve(now VTimeInSec) Msg
	Peek() Msg
}

// LimitNumMsgPort is a port that can hold at most a given number of
// inbound messages.
type LimitNumMsgPort struct {
	HookableBase

	lock sync.Mutex
	name string
	comp Component
	conn Connection

	buf         []Msg
	bufCapacity int
}

// NewLimitNumMsgPort creates a new port with a bounded incoming buffer.
func NewLimitNumMsgPort(
	comp Component,
	capacity int,
	name string,
) *LimitNumMsgPort {
	p := new(LimitNumMsgPort)
	p.comp = comp
	p.bufCapacity = capacity
	p.name = name

	return p
}

// Name returns the name of the port.
func (p *LimitNumMsgPort) Name() string {
	return p.name
}

// SetConnection sets which connection is plugged into this port.
func (p *LimitNumMsgPort) SetConnection(conn Connection) {
	if p.conn != nil {
		log.Panicf("connection already set on port %s", p.name)
	}
	p.conn = conn
}

// Component returns the owner component of the port.
func (p *LimitNumMsgPort) Component() Component {
	return p.comp
}

// Send is used to send a message out from the component.
func (p *LimitNumMsgPort) Send(msg Msg) *SendError {
	if msg.Meta().Src != p {
		panic("sending port is not msg src")
	}
	if msg.Meta().Dst == nil {
		panic("msg dst is not given")
	}
	if msg.Meta().Src == msg.Meta().Dst {
		panic("sending back to src")
	}

	err := p.conn.Send(msg)

	if err == nil {
		hookCtx := HookCtx{
			Domain: p,
			Pos:    HookPosPortMsgSend,
			Item:   msg,
		}
		p.InvokeHook(hookCtx)
	}

	return err
}

// Recv is used by a connection to deliver a message to the component.
func (p *LimitNumMsgPort) Recv(msg Msg) *SendError {
	p.lock.Lock()

	if len(p.buf) >= p.bufCapacity {
		p.lock.Unlock()
		return NewSendError()
	}

	hookCtx := HookCtx{
		Domain: p,
		Pos:    HookPosPortMsgRecvd,
		Item:   msg,
	}
	p.InvokeHook(hookCtx)

	p.buf = append(p.buf, msg)
	p.lock.Unlock()

	if p.comp != nil {
		p.comp.NotifyRecv(msg.Meta().RecvTime, p)
	}

	return nil
}

// Retrieve is used by the component to take a message from the incoming
// buffer.
func (p *LimitNumMsgPort) Retrieve(now VTimeInSec) Msg {
	p.lock.Lock()

	if len(p.buf) == 0 {
		p.lock.Unlock()
		return nil
	}

	msg := p.buf[0]
	p.buf = p.buf[1:]

	wasFull := len(p.buf) == p.bufCapacity-1
	p.lock.Unlock()

	if wasFull && p.conn != nil {
		p.conn.NotifyAvailable(now, p)
	}

	return msg
}

// Peek returns the first message in the port without removing it.
func (p *LimitNumMsgPort) Peek() Msg {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.buf) == 0 {
		return nil
	}

	return p.buf[0]
}

// NotifyAvailable is called by the connection to notify the port that the
// connection can deliver again.
func (p *LimitNumMsgPort) NotifyAvailable(now VTimeInSec) {
	if p.comp != nil {
		p.comp.NotifyPortFree(now, p)
	}
}
