package storage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

// DeliveryError reports a failed delivery to one recipient.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == consts.ErrDelivery
}

type recipientSink struct {
	recipient string
	sink      *MessageSink
	failed    bool
}

// DeliveryWriter writes one message to several mailboxes at once. Data is
// buffered and every flush writes the same bytes to each recipient, so all
// recipients receive identical content. A failing recipient is dropped from
// further writes and reported from Close; the others are unaffected.
type DeliveryWriter struct {
	sinks   []*recipientSink
	buf     []byte
	written int64
	errs    *multierror.Error
	closed  bool
}

// NewDeliveryWriter opens a sink in every recipient mailbox. A recipient
// listed twice receives two copies.
func NewDeliveryWriter(recipients []*Mailbox) (*DeliveryWriter, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", consts.ErrDelivery)
	}

	w := &DeliveryWriter{
		sinks: make([]*recipientSink, 0, len(recipients)),
		buf:   make([]byte, 0, consts.DeliveryBufferSize),
	}
	for _, mb := range recipients {
		rs := &recipientSink{recipient: mb.Username()}
		sink, err := mb.NewMessageSink()
		if err != nil {
			w.fail(rs, err)
		} else {
			rs.sink = sink
		}
		w.sinks = append(w.sinks, rs)
	}
	return w, nil
}

func (w *DeliveryWriter) fail(rs *recipientSink, err error) {
	rs.failed = true
	if rs.sink != nil {
		rs.sink.Abort()
	}
	w.errs = multierror.Append(w.errs, &DeliveryError{Recipient: rs.recipient, Err: err})
	logger.Warn("Storage: delivery to recipient failed", "recipient", rs.recipient, "error", err)
}

func (w *DeliveryWriter) live() int {
	n := 0
	for _, rs := range w.sinks {
		if !rs.failed {
			n++
		}
	}
	return n
}

// Write buffers p. When the buffer would overflow it is flushed first; data
// larger than the buffer goes straight to the recipients. Write fails only
// when no recipient is left.
func (w *DeliveryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("%w: writer closed", consts.ErrDelivery)
	}
	if len(w.buf)+len(p) > consts.DeliveryBufferSize {
		w.flush()
	}
	if len(p) >= consts.DeliveryBufferSize {
		w.fanOut(p)
	} else {
		w.buf = append(w.buf, p...)
	}
	w.written += int64(len(p))

	if w.live() == 0 {
		return len(p), w.errs.ErrorOrNil()
	}
	return len(p), nil
}

// Flush writes buffered data to every recipient.
func (w *DeliveryWriter) Flush() error {
	w.flush()
	if w.live() == 0 {
		return w.errs.ErrorOrNil()
	}
	return nil
}

func (w *DeliveryWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.fanOut(w.buf)
	w.buf = w.buf[:0]
}

func (w *DeliveryWriter) fanOut(p []byte) {
	for _, rs := range w.sinks {
		if rs.failed {
			continue
		}
		if _, err := rs.sink.Write(p); err != nil {
			w.fail(rs, err)
		}
	}
}

// Close flushes and commits the message to every remaining recipient. The
// returned error holds one DeliveryError per failed recipient.
func (w *DeliveryWriter) Close() error {
	if w.closed {
		return w.errs.ErrorOrNil()
	}
	w.flush()
	w.closed = true

	for _, rs := range w.sinks {
		if rs.failed {
			continue
		}
		if err := rs.sink.Close(); err != nil {
			w.fail(rs, err)
		}
	}

	delivered := w.live()
	metrics.MessagesDelivered.WithLabelValues("success").Add(float64(delivered))
	if failed := len(w.sinks) - delivered; failed > 0 {
		metrics.MessagesDelivered.WithLabelValues("failure").Add(float64(failed))
	}
	if delivered > 0 {
		metrics.DeliveredBytes.Add(float64(w.written))
	}
	metrics.RecipientsPerMessage.Observe(float64(len(w.sinks)))

	return w.errs.ErrorOrNil()
}

// Abort discards the message for every recipient.
func (w *DeliveryWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	for _, rs := range w.sinks {
		if !rs.failed && rs.sink != nil {
			rs.sink.Abort()
		}
	}
}

// Written returns the number of bytes accepted by Write.
func (w *DeliveryWriter) Written() int64 {
	return w.written
}

// Delivered returns the recipients whose copy was committed by Close.
func (w *DeliveryWriter) Delivered() []string {
	var names []string
	for _, rs := range w.sinks {
		if !rs.failed && rs.sink != nil && rs.sink.Name() != "" {
			names = append(names, rs.recipient)
		}
	}
	return names
}
