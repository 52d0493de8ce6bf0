package client

import (
	"errors"
	"sync"

	"github.com/mindmirror/mindlink/proto"
)

// fakeTransport scripts the remote side of a connection: it answers the
// handshake, optionally acks events and pongs pings, and records every
// send for inspection.
type fakeTransport struct {
	mu         sync.Mutex
	dialErr    error
	sendErr    error
	authStatus string
	autoAck    bool
	autoPong   bool
	sent       []proto.Message

	inbound   chan proto.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		authStatus: "ok",
		autoAck:    true,
		autoPong:   true,
		inbound:    make(chan proto.Message, 64),
		closed:     make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(addr string) error {
	return f.dialErr
}

func (f *fakeTransport) Send(msg proto.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	authStatus, autoAck, autoPong := f.authStatus, f.autoAck, f.autoPong
	f.mu.Unlock()

	switch msg.Type {
	case proto.TypeAuth:
		f.push(mustMessage(proto.TypeAuthAck, proto.AuthAckPayload{Status: authStatus, SessionID: "session-1"}))
	case proto.TypeEvent:
		if autoAck {
			f.push(mustMessage(proto.TypeEventAck, proto.EventAckPayload{EventID: msg.ID, Status: "ok"}))
		}
	case proto.TypePing:
		if autoPong {
			f.push(mustMessage(proto.TypePong, proto.PongPayload{}))
		}
	}
	return nil
}

func (f *fakeTransport) Read() (proto.Message, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return proto.Message{}, errors.New("transport closed")
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// push injects an inbound message as if the server sent it.
func (f *fakeTransport) push(msg proto.Message) {
	select {
	case f.inbound <- msg:
	case <-f.closed:
	}
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) sentMessages() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) sentOfType(msgType string) []proto.Message {
	var out []proto.Message
	for _, m := range f.sentMessages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out scripted transports in order, then fresh
// default ones.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	idx        int
	extra      []*fakeTransport
}

func newFakeDialer(transports ...*fakeTransport) *fakeDialer {
	return &fakeDialer{transports: transports}
}

func (d *fakeDialer) dial() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx < len(d.transports) {
		t := d.transports[d.idx]
		d.idx++
		return t
	}
	t := newFakeTransport()
	d.extra = append(d.extra, t)
	return t
}

// allEventSends counts event transmissions across every transport the
// dialer handed out.
func (d *fakeDialer) allEventSends() []proto.Message {
	d.mu.Lock()
	transports := append([]*fakeTransport{}, d.transports...)
	transports = append(transports, d.extra...)
	d.mu.Unlock()

	var out []proto.Message
	for _, tr := range transports {
		out = append(out, tr.sentOfType(proto.TypeEvent)...)
	}
	return out
}

func mustMessage(msgType string, payload any) proto.Message {
	msg, err := proto.NewMessage(msgType, payload)
	if err != nil {
		panic("mustMessage: " + err.Error())
	}
	return msg
}
