package ras

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Segment header layout: counter<<2 | last<<1 | first.
const (
	SegmentHeaderSize = 1

	segmentFirstFlag    = 0x01
	segmentLastFlag     = 0x02
	segmentCounterShift = 2

	// SegmentCounterModulo is the rolling counter period.
	SegmentCounterModulo = 64

	// MaxSegmentRecords bounds the record store: one record per counter value.
	MaxSegmentRecords = SegmentCounterModulo

	// AllRemainingSegments as end segment retrieves through the last recorded segment.
	AllRemainingSegments uint8 = 0xFF
)

// SegmentHeader is the first byte of every data-channel PDU.
type SegmentHeader struct {
	Counter uint8
	First   bool
	Last    bool
}

// Byte encodes the header.
func (h SegmentHeader) Byte() byte {
	b := (h.Counter % SegmentCounterModulo) << segmentCounterShift
	if h.Last {
		b |= segmentLastFlag
	}
	if h.First {
		b |= segmentFirstFlag
	}
	return b
}

// ParseSegmentHeader decodes a segment header byte.
func ParseSegmentHeader(b byte) SegmentHeader {
	return SegmentHeader{
		Counter: b >> segmentCounterShift,
		First:   b&segmentFirstFlag != 0,
		Last:    b&segmentLastFlag != 0,
	}
}

func (h SegmentHeader) String() string {
	return fmt.Sprintf("seg#%d first=%t last=%t", h.Counter, h.First, h.Last)
}

// SegmentRecord remembers where an emitted segment's payload lives in the body.
type SegmentRecord struct {
	Index  uint8
	Offset uint16
	Size   uint16
	First  bool
	Last   bool
}

// Header returns the header byte the segment was sent with.
func (r SegmentRecord) Header() SegmentHeader {
	return SegmentHeader{Counter: r.Index, First: r.First, Last: r.Last}
}

// PDU rebuilds the segment exactly as it was first transmitted.
func (r SegmentRecord) PDU(body []byte) []byte {
	pdu := make([]byte, 0, SegmentHeaderSize+int(r.Size))
	pdu = append(pdu, r.Header().Byte())
	return append(pdu, body[r.Offset:int(r.Offset)+int(r.Size)]...)
}

// segmentStore keeps the most recent records in transmission order, keyed by
// segment counter. When a counter value comes around again, or the store is
// at capacity, the oldest record is dropped.
type segmentStore struct {
	capacity int
	records  *orderedmap.OrderedMap[uint8, SegmentRecord]
}

func newSegmentStore(capacity int) *segmentStore {
	if capacity <= 0 || capacity > MaxSegmentRecords {
		capacity = MaxSegmentRecords
	}
	return &segmentStore{
		capacity: capacity,
		records:  orderedmap.New[uint8, SegmentRecord](),
	}
}

func (s *segmentStore) add(rec SegmentRecord) {
	s.records.Delete(rec.Index)
	for s.records.Len() >= s.capacity {
		s.records.Delete(s.records.Oldest().Key)
	}
	s.records.Set(rec.Index, rec)
}

func (s *segmentStore) len() int {
	return s.records.Len()
}

func (s *segmentStore) reset() {
	s.records = orderedmap.New[uint8, SegmentRecord]()
}

// span returns the contiguous records from start through end in transmission
// order. end may be AllRemainingSegments.
func (s *segmentStore) span(start, end uint8) ([]SegmentRecord, error) {
	if start >= SegmentCounterModulo || (end >= SegmentCounterModulo && end != AllRemainingSegments) {
		return nil, statusErrorf(ErrInvalidParameter, "segment range %d..%d out of counter range", start, end)
	}

	pair := s.records.GetPair(start)
	if pair == nil {
		return nil, statusErrorf(ErrInvalidParameter, "segment %d not recorded", start)
	}

	var out []SegmentRecord
	for ; pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
		if pair.Key == end {
			return out, nil
		}
	}
	if end == AllRemainingSegments {
		return out, nil
	}
	return nil, statusErrorf(ErrInvalidParameter, "segment %d not recorded after %d", end, start)
}
