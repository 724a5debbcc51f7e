package logrouter

import "bytes"

// lineSplitter turns arbitrary read chunks into complete lines. Bytes
// after the last newline are carried over until the next chunk; Flush
// hands out whatever is left exactly once.
type lineSplitter struct {
	carry []byte
}

// Feed emits every line completed by chunk, newline included. emit must
// not retain the slice.
func (s *lineSplitter) Feed(chunk []byte, emit func(line []byte)) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.carry = append(s.carry, chunk...)
			return
		}
		if len(s.carry) > 0 {
			s.carry = append(s.carry, chunk[:i+1]...)
			emit(s.carry)
			s.carry = s.carry[:0]
		} else {
			emit(chunk[:i+1])
		}
		chunk = chunk[i+1:]
	}
}

// Flush emits the unterminated remainder, if any.
func (s *lineSplitter) Flush(emit func(line []byte)) {
	if len(s.carry) == 0 {
		return
	}
	emit(s.carry)
	s.carry = nil
}

// Pending reports how many bytes are waiting for a newline.
func (s *lineSplitter) Pending() int {
	return len(s.carry)
}
