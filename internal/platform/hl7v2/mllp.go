package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/platform/events"
)

const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
)

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete MLLP frame from data.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}
	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx + 1
	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// ErrNegativeAck is returned when the receiver answers with anything other
// than an accept.
var ErrNegativeAck = errors.New("hl7v2: message not accepted")

// Feed forwards lifecycle events as ADT messages to a downstream MLLP
// listener, one connection per message. It implements events.Publisher.
type Feed struct {
	addr     string
	facility string
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewFeed(addr, facility string, timeout time.Duration, logger zerolog.Logger) *Feed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Feed{
		addr:     addr,
		facility: facility,
		timeout:  timeout,
		logger:   logger.With().Str("component", "hl7_feed").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (f *Feed) Publish(ctx context.Context, e events.Event) error {
	trigger, visit, ok := VisitFromEvent(e)
	if !ok {
		return nil
	}
	msg, err := GenerateADT(trigger, f.facility, visit, f.now())
	if err != nil {
		return err
	}
	if err := f.Send(ctx, msg); err != nil {
		return fmt.Errorf("send ADT^%s for %s: %w", trigger, e.AdmissionID, err)
	}
	f.logger.Debug().Str("trigger", trigger).Str("admission_id", e.AdmissionID).Msg("adt message accepted")
	return nil
}

// Send writes one framed message and waits for its ACK.
func (f *Feed) Send(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(FrameMessage(msg)); err != nil {
		return err
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if raw, _, found := UnframeMessage(buf); found {
			return checkAck(raw)
		}
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		if len(buf) > mllpMaxMessageSize {
			return fmt.Errorf("hl7v2: ack exceeds %d bytes", mllpMaxMessageSize)
		}
	}
}

func checkAck(raw []byte) error {
	ack, err := Parse(raw)
	if err != nil {
		return err
	}
	msa := ack.GetSegment("MSA")
	if msa == nil {
		return fmt.Errorf("hl7v2: ack has no MSA segment")
	}
	switch code := msa.GetField(1); code {
	case "AA", "CA":
		return nil
	default:
		return fmt.Errorf("%w: %s %s", ErrNegativeAck, code, msa.GetField(3))
	}
}
