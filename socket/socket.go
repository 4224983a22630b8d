// Package socket provides implementations of the kcomm.Socket interface.
package socket

import (
	"bufio"
	"encoding/json"
	"io"
	"net"

	"github.com/neurallayer/kcomm"
)

// Direct constructs a connected pair of in-memory sockets that pass
// messages directly without encoding. Messages sent to A are received by B
// and vice versa.
func Direct() (A, B kcomm.Socket) {
	a2b := make(chan *kcomm.Message)
	b2a := make(chan *kcomm.Message)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *kcomm.Message
	b2a <-chan *kcomm.Message
}

// Send implements a method of the [kcomm.Socket] interface.
func (d direct) Send(msg *kcomm.Message) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [kcomm.Socket] interface.
func (d direct) Recv() (*kcomm.Message, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [kcomm.Socket] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a socket that receives from r and sends to wc. Messages
// are framed as a stream of JSON objects.
func IO(r io.Reader, wc io.WriteCloser) *IOSocket {
	// N.B. The bufio package will reuse existing buffers if possible.
	w := bufio.NewWriter(wc)
	return &IOSocket{dec: json.NewDecoder(bufio.NewReader(r)), enc: json.NewEncoder(w), w: w, c: wc}
}

// An IOSocket sends and receives JSON-framed messages on a reader and a
// writer.
type IOSocket struct {
	dec *json.Decoder
	enc *json.Encoder
	w   *bufio.Writer
	c   io.Closer
}

// Send implements a method of the [kcomm.Socket] interface.
func (s *IOSocket) Send(msg *kcomm.Message) error {
	if err := s.enc.Encode(msg); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv implements a method of the [kcomm.Socket] interface.
func (s *IOSocket) Recv() (*kcomm.Message, error) {
	var msg kcomm.Message
	if err := s.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close implements a method of the [kcomm.Socket] interface.
func (s *IOSocket) Close() error { return s.c.Close() }
