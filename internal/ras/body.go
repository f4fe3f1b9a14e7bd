package ras

import "fmt"

// EncodeSubevent appends subevent idx of proc, header followed by its filtered
// steps, to dst.
func EncodeSubevent(dst []byte, proc *Procedure, idx int, opts FilterOptions) ([]byte, error) {
	sub := proc.Subevents[idx]
	steps, err := DecodeSteps(proc.StepBytes(idx), sub.NumSteps, proc.NumAntennaPaths)
	if err != nil {
		return dst, fmt.Errorf("subevent %d: %w", idx, err)
	}

	aborted := sub.Header.SubeventDoneStatus != DoneStatusComplete &&
		sub.Header.SubeventDoneStatus != DoneStatusPartial

	dst = sub.Header.AppendTo(dst)
	for i := range steps {
		mask := opts.Masks[steps[i].Mode]
		dst = AppendFilteredStep(dst, &steps[i], mask, opts.Format, aborted)
	}
	return dst, nil
}

// BuildBody serializes a whole procedure into a ranging data body.
func BuildBody(proc *Procedure, opts FilterOptions) ([]byte, error) {
	body := proc.Header(opts.Format).AppendTo(nil)
	for idx := range proc.Subevents {
		var err error
		if body, err = EncodeSubevent(body, proc, idx, opts); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Body is the ranging data body of one on-demand procedure, built
// incrementally as subevents arrive.
type Body struct {
	data      []byte
	limit     int
	parsedLen int
	final     bool
}

// NewBody creates an empty body that refuses to grow beyond limit bytes.
func NewBody(limit int) *Body {
	return &Body{limit: limit}
}

// Append serializes subevent idx of proc into the body, writing the
// procedure header first when the body is empty. Once the procedure has
// reached a terminal done status the body length becomes its parsed length.
func (b *Body) Append(proc *Procedure, idx int, opts FilterOptions) error {
	if b.final {
		return statusErrorf(ErrInvalidParameter, "procedure %d already complete", proc.Counter)
	}

	chunk := make([]byte, 0, SubeventHeaderSize+len(proc.StepBytes(idx)))
	if len(b.data) == 0 {
		chunk = proc.Header(opts.Format).AppendTo(chunk)
	}
	chunk, err := EncodeSubevent(chunk, proc, idx, opts)
	if err != nil {
		return err
	}
	if len(b.data)+len(chunk) > b.limit {
		return fmt.Errorf("%w: body needs %d bytes, limit %d", ErrOutOfMemory, len(b.data)+len(chunk), b.limit)
	}

	if b.data == nil {
		b.data = make([]byte, 0, b.limit)
	}
	b.data = append(b.data, chunk...)

	if idx == len(proc.Subevents)-1 && proc.Done() {
		b.parsedLen = len(b.data)
		b.final = true
	}
	return nil
}

// Bytes returns the serialized body so far.
func (b *Body) Bytes() []byte {
	return b.data
}

// Len returns the number of serialized bytes.
func (b *Body) Len() int {
	return len(b.data)
}

// ParsedLen is the total body length, valid once Final reports true.
func (b *Body) ParsedLen() int {
	return b.parsedLen
}

// Final reports whether the procedure is complete and the body ready to transfer.
func (b *Body) Final() bool {
	return b.final
}

// Reset releases the body data.
func (b *Body) Reset() {
	b.data = nil
	b.parsedLen = 0
	b.final = false
}
