package vehicle

import (
	"go.uber.org/zap"

	"overdrive/pkg/protocol"
)

// handleNotification is the peripheral's notification handler. It runs on
// whichever goroutine is inside WaitForNotification, so nothing here may
// block: decoding and cache updates are cheap, callbacks go to their own
// goroutines.
func (v *Vehicle) handleNotification(raw []byte) {
	v.notifSeen.Add(1)
	msg, ok := protocol.Decode(raw)
	if !ok {
		return
	}

	switch m := msg.(type) {
	case protocol.LocationUpdate:
		v.telMu.Lock()
		v.speed = m.Speed
		v.location = m.Location
		v.piece = m.Piece
		v.telMu.Unlock()
	case protocol.Transition:
		v.telMu.Lock()
		v.piece = m.Piece
		v.telMu.Unlock()
	}

	v.dispatch(msg)
}

// dispatch hands one decoded notification to the registered callback on a
// fresh goroutine. The semaphore slot is claimed before spawning, so slow
// callbacks cap live goroutines at the configured bound; at the bound the
// notification is dropped and counted in the log. Panics in callbacks are
// contained here.
func (v *Vehicle) dispatch(msg protocol.Message) {
	v.cbMu.RLock()
	onLocation, onTransition, onPong := v.onLocation, v.onTransition, v.onPong
	v.cbMu.RUnlock()

	var run func()
	switch m := msg.(type) {
	case protocol.LocationUpdate:
		if onLocation == nil {
			return
		}
		run = func() { onLocation(v.addr, m.Location, m.Piece, m.Speed, m.Clockwise) }
	case protocol.Transition:
		if onTransition == nil {
			return
		}
		run = func() { onTransition(v.addr) }
	case protocol.Pong:
		if onPong == nil {
			return
		}
		run = func() { onPong(v.addr) }
	default:
		return
	}

	if !v.sem.TryAcquire(1) {
		zap.L().Warn("notification callback dropped, too many in flight", zap.String("addr", v.addr))
		return
	}
	go func() {
		defer v.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("notification callback panicked",
					zap.String("addr", v.addr), zap.Any("panic", r))
			}
		}()
		run()
	}()
}
