// Package collect runs one telemetry collection cycle:
// fetch farm and worker records, publish per-worker and farm summary metrics.
package collect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/helpers"
	"github.com/minerfleet/hive2mqtt/internal/hive"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/minerfleet/hive2mqtt/tele/mqtt"
)

type Source interface {
	FetchFarm(ctx context.Context, farmID string) (*hive.FarmSnapshot, error)
	FetchWorker(ctx context.Context, farmID, workerID string) (*hive.WorkerDetail, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, message string) error
	// Release is called at cycle end.
	Release()
}

// Report is outcome of one cycle, for logging and tests.
type Report struct {
	Published     int
	PublishFailed int
	Workers       int
	WorkersFailed int
	// Aborted cycle ended before summary, Err tells why.
	Aborted bool
	Err     error
}

type Aggregator struct {
	FarmID    string
	Source    Source
	Publisher Publisher
	Log       *log2.Log
	// nil = time.Now
	Now func() time.Time
}

// Cycle never fails because of upstream, broker or data errors, they are
// logged, published to error topic and summarized in Report.
// Error is returned only when ctx is done before cycle completed.
func (a *Aggregator) Cycle(ctx context.Context) (r Report, err error) {
	defer a.Publisher.Release()
	defer func() {
		if perr := helpers.PanicError(recover()); perr != nil {
			r.Aborted = true
			r.Err = perr
			a.Log.Errorf("farm=%s cycle %s", a.FarmID, errors.ErrorStack(perr))
			a.publishError(ctx, &r, perr.Error())
		}
	}()

	a.publish(ctx, &r, TopicHeartbeat, HeartbeatMessage)

	farm, err := a.Source.FetchFarm(ctx, a.FarmID)
	switch {
	case err != nil:
		r.Aborted, r.Err = true, errors.Annotate(err, "fetch farm")
	case farm == nil || len(farm.Workers) == 0:
		r.Aborted, r.Err = true, errors.NotFoundf("workers in farm=%s", a.FarmID)
	}
	if r.Aborted {
		if cerr := ctx.Err(); cerr != nil {
			return r, cerr
		}
		a.Log.Error(r.Err)
		a.publishError(ctx, &r, r.Err.Error())
		return r, nil
	}

	total := len(farm.Workers)
	online := farm.Online()
	r.Workers = total
	a.publish(ctx, &r, TopicFarm(a.FarmID, "timestamp"), a.now().UTC().Format(helpers.ISO8601))
	a.publish(ctx, &r, TopicWorkers(a.FarmID, "count"), strconv.Itoa(total))
	a.publish(ctx, &r, TopicWorkers(a.FarmID, "online"), strconv.Itoa(online))
	a.publish(ctx, &r, TopicWorkers(a.FarmID, "offline"), strconv.Itoa(total-online))

	var totals cycleTotals
	for _, w := range farm.Workers {
		if cerr := ctx.Err(); cerr != nil {
			r.Aborted, r.Err = true, cerr
			return r, cerr
		}
		a.worker(ctx, &r, &totals, w)
	}

	a.publish(ctx, &r, TopicSummary(a.FarmID, "total_hashrate"), formatFloat(totals.hashrate, 3))
	if avg, ok := totals.averageUptime(); ok {
		a.publish(ctx, &r, TopicSummary(a.FarmID, "average_uptime"), strconv.FormatInt(avg, 10))
	}
	if avg, ok := totals.averageCPUTemp(); ok {
		a.publish(ctx, &r, TopicSummary(a.FarmID, "average_cpu_temp"), formatFloat(avg, 1))
	}
	a.publish(ctx, &r, TopicSummary(a.FarmID, "efficiency"), Efficiency(online, total))

	a.Log.Infof("farm=%s cycle workers=%d online=%d failed=%d published=%d publish_failed=%d",
		a.FarmID, total, online, r.WorkersFailed, r.Published, r.PublishFailed)
	return r, nil
}

func (a *Aggregator) worker(ctx context.Context, r *Report, totals *cycleTotals, w hive.WorkerSummary) {
	topic := func(leaf string) string { return TopicWorker(a.FarmID, w.ID, leaf) }
	a.publish(ctx, r, topic("name"), w.Name)
	a.publish(ctx, r, topic("online"), strconv.FormatBool(w.Online))

	d, err := a.Source.FetchWorker(ctx, a.FarmID, w.ID)
	if err != nil {
		r.WorkersFailed++
		a.Log.Errorf("farm=%s worker=%s (%s) skip: %v", a.FarmID, w.ID, w.Name, err)
		return
	}

	flightSheet, ok := d.FlightSheetName()
	if !ok {
		flightSheet = FlightSheetAbsent
	}
	a.publish(ctx, r, topic("flight_sheet"), flightSheet)

	hashrate := hive.ExtractHashrate(d)
	totals.hashrate += hashrate
	a.publish(ctx, r, topic("hashrate"), formatFloat(hashrate, 3))

	if boot, ok := d.BootTime(); ok {
		uptime := a.now().Unix() - boot
		if uptime < 0 {
			uptime = 0
		}
		a.publish(ctx, r, topic("uptime"), strconv.FormatInt(uptime, 10))
		a.publish(ctx, r, topic("uptime_friendly"), hive.FormatUptime(uptime))
		if w.Online && uptime > 0 {
			totals.addUptime(uptime)
		}
	} else {
		a.publish(ctx, r, topic("uptime"), "0")
		a.publish(ctx, r, topic("uptime_friendly"), hive.FormatUptime(0))
	}

	if temp, ok := hive.ExtractCPUTemperature(d); ok {
		totals.addCPUTemp(temp)
		a.publish(ctx, r, topic("cpu_temperature"), formatFloat(temp, 1))
	}
	if power, ok := d.PowerDraw(); ok {
		a.publish(ctx, r, topic("power_draw"), formatFloat(power, -1))
	}
	if seen, ok := d.LastSeen(); ok {
		a.publish(ctx, r, topic("last_seen"), helpers.FormatUnixUTC(seen))
	}
}

func (a *Aggregator) publish(ctx context.Context, r *Report, topic, message string) {
	if err := a.Publisher.Publish(ctx, topic, message); err != nil {
		r.PublishFailed++
		a.Log.Errorf("publish topic=%s: %v", topic, err)
		return
	}
	r.Published++
}

// publishError clips message to fit single packet.
func (a *Aggregator) publishError(ctx context.Context, r *Report, message string) {
	topic := TopicError(a.FarmID)
	if max := mqtt.PacketMaxRemaining - 2 - len(topic); len(message) > max {
		if max < 0 {
			max = 0
		}
		message = message[:max]
	}
	a.publish(ctx, r, topic, message)
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (r Report) String() string {
	s := fmt.Sprintf("published=%d publish_failed=%d workers=%d workers_failed=%d",
		r.Published, r.PublishFailed, r.Workers, r.WorkersFailed)
	if r.Aborted {
		s += fmt.Sprintf(" aborted=%v", r.Err)
	}
	return s
}
