// Package bridge wires telemetry source, aggregator, producer and scheduler.
package bridge

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/cmd/hive2mqtt/subcmd"
	"github.com/minerfleet/hive2mqtt/internal/collect"
	"github.com/minerfleet/hive2mqtt/internal/hive"
	"github.com/minerfleet/hive2mqtt/internal/schedule"
	"github.com/minerfleet/hive2mqtt/internal/state"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/minerfleet/hive2mqtt/tele/mqtt"
)

var RunMod = subcmd.Mod{Name: "run", Usage: "poll and publish forever (default)", Main: RunMain}
var OnceMod = subcmd.Mod{Name: "once", Usage: "run one cycle and exit", Main: OnceMain}

type Pipeline struct {
	Client     *hive.Client
	Producer   *mqtt.Producer
	Aggregator *collect.Aggregator
	Scheduler  *schedule.Scheduler
}

// NewPipeline builds components from validated config.
func NewPipeline(config *state.Config, log *log2.Log, onCycle func(collect.Report, error)) (*Pipeline, error) {
	client, err := hive.NewClient(config.ClientOptions(log))
	if err != nil {
		return nil, errors.Annotate(err, "hive client")
	}
	producer, err := mqtt.NewProducer(config.ProducerOptions(log))
	if err != nil {
		return nil, errors.Annotate(err, "mqtt producer")
	}
	p := &Pipeline{Client: client, Producer: producer}
	p.Aggregator = &collect.Aggregator{
		FarmID:    config.Hive.FarmID,
		Source:    client,
		Publisher: producer,
		Log:       log,
	}
	p.Scheduler = schedule.New(schedule.Options{
		Interval:   config.PollInterval(),
		RetryDelay: config.RetryDelay(),
		Cycler:     p.Aggregator,
		Status:     producer,
		OnCycle:    onCycle,
		Log:        log,
	})
	return p, nil
}

func RunMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	p, err := NewPipeline(config, log, func(r collect.Report, err error) {
		subcmd.SdNotify(log, daemon.SdNotifyWatchdog)
	})
	if err != nil {
		return err
	}
	log.Infof("mqtt broker=%s client_id=%s farm=%s", p.Producer.Addr(), p.Producer.ClientID(), config.Hive.FarmID)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		select {
		case sig := <-sigch:
			log.Infof("signal=%v, stopping", sig)
			subcmd.SdNotify(log, daemon.SdNotifyStopping)
			p.Scheduler.Stop()
		case <-ctx.Done():
		}
	}()

	if wd := subcmd.WatchdogInterval(log); wd > 0 {
		go watchdog(ctx, p.Scheduler, wd, log)
	}

	subcmd.SdNotify(log, daemon.SdNotifyReady)
	err = p.Scheduler.Run(ctx)
	p.Producer.Release()
	if err == context.Canceled {
		return nil
	}
	return err
}

// watchdog pings systemd while scheduler sleeps between cycles.
// Stuck cycle stops pings so systemd restarts the service.
func watchdog(ctx context.Context, s *schedule.Scheduler, every time.Duration, log *log2.Log) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		switch s.State() {
		case schedule.StateSleeping, schedule.StateIdle:
			subcmd.SdNotify(log, daemon.SdNotifyWatchdog)
		case schedule.StateStopped:
			return
		}
	}
}

func OnceMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	p, err := NewPipeline(config, log, nil)
	if err != nil {
		return err
	}
	r, err := p.Scheduler.Once(ctx)
	if err != nil {
		return err
	}
	log.Infof("once %s", r.String())
	if r.Aborted {
		return errors.Annotate(r.Err, "cycle aborted")
	}
	return nil
}
