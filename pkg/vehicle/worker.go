package vehicle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"overdrive/pkg/protocol"
)

// The delivery worker is the single owner of the peripheral once the session
// is up. Each iteration it either drains one queued command or polls the link
// briefly for a notification; command writes win so command latency stays
// bounded, while an empty queue still polls every iteration so telemetry is
// not starved. Any link failure flips the session into reconnecting.

func (v *Vehicle) startWorker() {
	v.workerDone = make(chan struct{})
	v.workerLive.Store(true)
	go v.run()
}

func (v *Vehicle) run() {
	defer func() {
		v.teardown()
		v.workerLive.Store(false)
		close(v.workerDone)
	}()

	var inflight protocol.Frame
	for v.connected.Load() {
		if State(v.state.Load()) == StateReconnecting {
			inflight = v.reconnect(inflight)
			continue
		}

		if f, ok := v.queue.TryDequeue(); ok {
			if err := v.per.WriteCharacteristic(v.writeChar, f); err != nil {
				zap.L().Warn("command write failed", zap.String("addr", v.addr), zap.Error(err))
				inflight = f
				v.state.Store(int32(StateReconnecting))
			}
			continue
		}

		if err := v.per.WaitForNotification(v.opts.NotifyPoll); err != nil {
			zap.L().Warn("notification wait failed", zap.String("addr", v.addr), zap.Error(err))
			v.state.Store(int32(StateReconnecting))
		}
	}
}

// reconnect repeats the full handshake until it succeeds or the session is
// torn down. After success the frame that was in flight when the link broke
// is re-issued first (at-least-once delivery); only the most recent such
// frame survives compounding failures. Returns the frame still owed, nil
// once delivered.
func (v *Vehicle) reconnect(inflight protocol.Frame) protocol.Frame {
	backoff := v.opts.BackoffInitial
	for v.connected.Load() {
		if err := v.handshake(context.Background()); err != nil {
			zap.L().Warn("reconnect failed", zap.String("addr", v.addr), zap.Error(err))
			time.Sleep(withJitter(backoff, v.opts.BackoffJitter))
			backoff = nextBackoff(backoff, v.opts.BackoffMax)
			continue
		}
		if inflight != nil {
			if err := v.per.WriteCharacteristic(v.writeChar, inflight); err != nil {
				zap.L().Warn("redelivery failed", zap.String("addr", v.addr), zap.Error(err))
				continue
			}
			inflight = nil
		}
		v.state.Store(int32(StateConnected))
		zap.L().Info("link restored", zap.String("addr", v.addr))
		return nil
	}
	return inflight
}
