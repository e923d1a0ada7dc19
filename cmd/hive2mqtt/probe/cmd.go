// Package probe checks broker handshake and telemetry API access, then exits.
package probe

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/cmd/hive2mqtt/subcmd"
	"github.com/minerfleet/hive2mqtt/helpers"
	"github.com/minerfleet/hive2mqtt/internal/collect"
	"github.com/minerfleet/hive2mqtt/internal/hive"
	"github.com/minerfleet/hive2mqtt/internal/state"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/minerfleet/hive2mqtt/tele/mqtt"
)

const StatusMessage = "probe"

var Mod = subcmd.Mod{Name: "probe", Usage: "check broker and API access", Main: Main}

func Main(ctx context.Context, config *state.Config, log *log2.Log) error {
	errs := make([]error, 0, 2)

	producer, err := mqtt.NewProducer(config.ProducerOptions(log))
	if err == nil {
		err = producer.Publish(ctx, collect.TopicStatus, StatusMessage)
		producer.Release()
	}
	if err != nil {
		errs = append(errs, errors.Annotate(err, "mqtt"))
	} else {
		log.Infof("mqtt broker=%s ok", producer.Addr())
	}

	client, err := hive.NewClient(config.ClientOptions(log))
	var farm *hive.FarmSnapshot
	if err == nil {
		farm, err = client.FetchFarm(ctx, config.Hive.FarmID)
	}
	if err != nil {
		errs = append(errs, errors.Annotate(err, "hive"))
	} else {
		log.Infof("hive farm=%s workers=%d online=%d", farm.FarmID, len(farm.Workers), farm.Online())
		for _, w := range farm.Workers {
			fmt.Printf("worker id=%s name=%q online=%t\n", w.ID, w.Name, w.Online)
		}
	}
	return helpers.FoldErrors(errs)
}
