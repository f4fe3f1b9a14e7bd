// Package trace captures the PDUs the ranging service emits into a bounded,
// overwrite-oldest ring for post-mortem inspection.
package trace

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/rasd/internal/ras"
)

// DefaultCapacity is used when NewRecorder is given a non-positive capacity.
const DefaultCapacity = 256

// Record is one captured PDU.
type Record struct {
	Seq            uint64
	At             time.Time
	Device         ras.DeviceID
	Characteristic ras.Characteristic
	Indication     bool
	Data           []byte
	Err            error
}

// Describe decodes the PDU header for display.
func (r Record) Describe() string {
	switch r.Characteristic {
	case ras.CharOnDemandData, ras.CharRealTimeData:
		if len(r.Data) == 0 {
			return "empty segment"
		}
		return fmt.Sprintf("segment %s, %d bytes", ras.ParseSegmentHeader(r.Data[0]), len(r.Data)-1)
	case ras.CharControlPoint:
		rsp, err := ras.ParseResponse(r.Data)
		if err != nil {
			return err.Error()
		}
		return rsp.String()
	default:
		if len(r.Data) >= 2 {
			return fmt.Sprintf("procedure %d", uint16(r.Data[0])|uint16(r.Data[1])<<8)
		}
		return ""
	}
}

func (r Record) String() string {
	kind := "ntf"
	if r.Indication {
		kind = "ind"
	}
	s := fmt.Sprintf("#%d dev=%d %s %s %x (%s)", r.Seq, r.Device, kind, r.Characteristic, r.Data, r.Describe())
	if r.Err != nil {
		s += " error: " + r.Err.Error()
	}
	return s
}

// Recorder is a ras.Transport decorator that records every PDU before
// forwarding it. It is safe for concurrent use.
type Recorder struct {
	next        ras.Transport
	buffer      mpmc.RichOverlappedRingBuffer[Record]
	seq         atomic.Uint64
	overwritten atomic.Int64
	now         func() time.Time
}

// NewRecorder wraps next, keeping the most recent capacity PDUs.
func NewRecorder(next ras.Transport, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		next:   next,
		buffer: mpmc.NewOverlappedRingBuffer[Record](uint32(capacity)),
		now:    time.Now,
	}
}

// SendNotification implements ras.Transport
func (r *Recorder) SendNotification(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	err := r.next.SendNotification(dev, ch, data)
	r.record(dev, ch, false, data, err)
	return err
}

// SendIndication implements ras.Transport
func (r *Recorder) SendIndication(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	err := r.next.SendIndication(dev, ch, data)
	r.record(dev, ch, true, data, err)
	return err
}

// ATTMTU implements ras.MTUReporter when the wrapped transport does.
func (r *Recorder) ATTMTU(dev ras.DeviceID) (uint16, bool) {
	if m, ok := r.next.(ras.MTUReporter); ok {
		return m.ATTMTU(dev)
	}
	return 0, false
}

func (r *Recorder) record(dev ras.DeviceID, ch ras.Characteristic, indication bool, data []byte, err error) {
	rec := Record{
		Seq:            r.seq.Add(1),
		At:             r.now(),
		Device:         dev,
		Characteristic: ch,
		Indication:     indication,
		Data:           append([]byte(nil), data...),
		Err:            err,
	}
	overwrites, qerr := r.buffer.EnqueueM(rec)
	if qerr != nil {
		r.overwritten.Add(1)
		return
	}
	r.overwritten.Add(int64(overwrites))
}

// Drain removes and returns the captured records, oldest first.
func (r *Recorder) Drain() []Record {
	var out []Record
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Overwritten returns how many records were lost to ring overflow.
func (r *Recorder) Overwritten() int64 {
	return r.overwritten.Load()
}

// Format writes one line per record. Failed sends are highlighted when colored.
func Format(w io.Writer, records []Record, colored bool) error {
	seq := color.New(color.FgCyan)
	failed := color.New(color.FgRed)
	for _, c := range []*color.Color{seq, failed} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	for _, rec := range records {
		line := rec.String()
		var err error
		switch {
		case rec.Err != nil:
			_, err = failed.Fprintln(w, line)
		default:
			_, err = fmt.Fprintf(w, "%s %s\n", seq.Sprint(rec.At.Format("15:04:05.000")), line)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
