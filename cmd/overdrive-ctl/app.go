package main

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"overdrive/pkg/ble"
	"overdrive/pkg/ble/blemem"
	"overdrive/pkg/ble/bluez"
	"overdrive/pkg/config"
	"overdrive/pkg/observability"
	"overdrive/pkg/protocol"
	"overdrive/pkg/telemetry"
	"overdrive/pkg/vehicle"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Address != "" {
		cfg.Vehicle.Address = opts.Address
	}
	if opts.Backend != "" {
		cfg.Vehicle.Backend = opts.Backend
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Vehicle.Address == "" && cfg.Vehicle.Backend != "mem" {
		zap.L().Error("no vehicle address; pass -addr or set vehicle.address")
		return 1
	}

	per := newPeripheral(cfg)

	var rec *telemetry.Recorder
	if opts.TelemetryOut != "" {
		f, err := os.Create(opts.TelemetryOut)
		if err != nil {
			zap.L().Error("telemetry output", zap.Error(err))
			return 1
		}
		defer f.Close()
		if rec, err = telemetry.NewRecorder(f); err != nil {
			zap.L().Error("telemetry recorder", zap.Error(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zap.L().Info("connecting", zap.String("addr", cfg.Vehicle.Address), zap.String("backend", cfg.Vehicle.Backend))
	car, err := vehicle.Dial(ctx, per, cfg.Vehicle.Address, vehicleOptions(cfg))
	if err != nil {
		zap.L().Error("dial cancelled", zap.Error(err))
		return 1
	}

	car.OnLocationChange(func(addr string, location, piece uint8, speed uint16, clockwise bool) {
		zap.L().Info("location",
			zap.String("addr", addr),
			zap.Uint8("piece", piece),
			zap.Uint8("location", location),
			zap.Uint16("speed", speed),
			zap.Bool("clockwise", clockwise))
		if rec != nil {
			_ = rec.Location(addr, location, piece, speed, clockwise)
		}
	})
	car.OnTransition(func(addr string) {
		zap.L().Debug("transition", zap.String("addr", addr))
		if rec != nil {
			_ = rec.Transition(addr)
		}
	})
	car.OnPong(func(addr string) {
		zap.L().Debug("pong", zap.String("addr", addr))
		if rec != nil {
			_ = rec.Pong(addr)
		}
	})

	if err := car.SetSpeed(opts.Speed, opts.Accel); err != nil {
		zap.L().Error("set speed", zap.Error(err))
		return 1
	}
	if opts.LaneDemo {
		if err := car.ChangeLaneRight(1000, 1000); err != nil {
			zap.L().Error("change lane", zap.Error(err))
			return 1
		}
	}

	zap.L().Info("driving; press Ctrl+C to stop")
	<-ctx.Done()

	car.Disconnect()
	select {
	case <-car.Done():
	case <-time.After(5 * time.Second):
		zap.L().Warn("teardown timed out")
	}
	return 0
}

// newPeripheral builds the radio backend selected by config.
func newPeripheral(cfg *config.Config) ble.Peripheral {
	if cfg.Vehicle.Backend == "mem" {
		per := blemem.New()
		go fakeTelemetry(per)
		return per
	}
	return bluez.New(cfg.Vehicle.Adapter)
}

func vehicleOptions(cfg *config.Config) vehicle.Options {
	return vehicle.Options{
		BackoffInitial:       time.Duration(cfg.Net.ConnectBackoffInitialMS) * time.Millisecond,
		BackoffMax:           time.Duration(cfg.Net.ConnectBackoffMaxMS) * time.Millisecond,
		BackoffJitter:        time.Duration(cfg.Net.ConnectBackoffJitterMS) * time.Millisecond,
		NotifyPoll:           time.Duration(cfg.Net.NotifyPollMS) * time.Millisecond,
		SubscribeWait:        time.Duration(cfg.Net.SubscribeWaitMS) * time.Millisecond,
		MaxInFlightCallbacks: int64(cfg.Dispatch.MaxInFlight),
	}
}

// fakeTelemetry feeds the mem backend a car lapping an eight-piece loop, so
// the tool can be exercised without hardware.
func fakeTelemetry(per *blemem.Peripheral) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	piece := uint8(0)
	for range ticker.C {
		raw := make([]byte, 11)
		raw[0] = 9
		raw[1] = protocol.NotifyLocation
		raw[2] = piece % 3
		raw[3] = piece % 8
		binary.LittleEndian.PutUint32(raw[4:8], math.Float32bits(0))
		binary.LittleEndian.PutUint16(raw[8:10], 500)
		raw[10] = 0x47
		per.Inject(raw)
		piece++
	}
}
