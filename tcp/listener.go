package tcp

import (
	"log/slog"

	"github.com/pkg/errors"
)

// Accept returns the oldest established connection of the listener h.
// The returned socket is owned by the caller and must be released with
// [Stack.Close]. ErrWouldBlock is returned when no connection is ready.
func (s *Stack) Accept(h Handle) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsk, err := s.sock(h)
	if err != nil {
		return Handle{}, err
	} else if lsk.ccb.state != StateListen {
		return Handle{}, errors.Wrapf(ErrNotListening, "accept in %s", lsk.ccb.state)
	}
	for len(lsk.incoming) > 0 {
		ch := lsk.incoming[0]
		copy(lsk.incoming, lsk.incoming[1:])
		lsk.incoming[len(lsk.incoming)-1] = Handle{}
		lsk.incoming = lsk.incoming[:len(lsk.incoming)-1]
		child, err := s.sock(ch)
		if err != nil {
			continue
		}
		child.parent = Handle{}
		s.debug("tcp:accept", slog.String("local", child.local.String()), slog.String("remote", child.remote.String()))
		return ch, nil
	}
	return Handle{}, ErrWouldBlock
}

// Pending returns the amount of handshaking connections and the amount of
// connections awaiting Accept on listener h.
func (s *Stack) Pending(h Handle) (partial, incoming int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsk, err := s.sock(h)
	if err != nil {
		return 0, 0, err
	} else if lsk.ccb.state != StateListen {
		return 0, 0, errors.Wrapf(ErrNotListening, "pending in %s", lsk.ccb.state)
	}
	return len(lsk.partial), len(lsk.incoming), nil
}

// closeListener resets and frees every unaccepted child of lsk.
func (s *Stack) closeListener(lsk *socket) {
	children := make([]Handle, 0, len(lsk.partial)+len(lsk.incoming))
	children = append(children, lsk.partial...)
	children = append(children, lsk.incoming...)
	clear(lsk.partial)
	clear(lsk.incoming)
	lsk.partial = lsk.partial[:0]
	lsk.incoming = lsk.incoming[:0]
	for _, ch := range children {
		child, err := s.sock(ch)
		if err != nil {
			continue
		}
		if child.ccb.state != StateClosed {
			s.sendRstConn(child)
		}
		child.parent = Handle{}
		child.ccb.stopAll()
		child.ccb.state = StateClosed
		s.free(child)
	}
	if len(children) > 0 {
		s.debug("tcp:listener-closed", slog.String("local", lsk.local.String()), slog.Int("children", len(children)))
	}
}
