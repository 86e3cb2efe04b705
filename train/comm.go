package train

import (
	"context"
	"log/slog"
	"time"

	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/worker"
)

const brokerTimeout = 30 * time.Second

// NewCommunicator opens the all-reduce transport selected by the
// configuration, wrapped with the configured collective timeout. The local
// backend only serves single-process runs.
func NewCommunicator(ctx context.Context, cfg *config.Config, wc worker.Context, logger *slog.Logger) (collective.Communicator, error) {
	var comm collective.Communicator
	switch cfg.Collective.Backend {
	case config.BackendMQTT:
		c, err := collective.NewMQTT(ctx, collective.MQTTOptions{
			Broker:      cfg.Collective.Broker,
			TopicPrefix: cfg.Collective.TopicPrefix,
			QoS:         byte(cfg.Collective.QoS),
			Username:    cfg.Collective.Username,
			Password:    cfg.Collective.Password,
			Rank:        wc.Rank,
			Size:        wc.WorldSize,
			Timeout:     brokerTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		comm = c
	default:
		if wc.WorldSize != 1 {
			return nil, errors.NewConfigurationError("collective.backend",
				"the local backend runs a single process; use mqtt for WORLD_SIZE > 1", wc.WorldSize)
		}
		group, err := collective.NewGroup(1)
		if err != nil {
			return nil, err
		}
		comm = group.Members()[0]
	}
	return collective.WithTimeout(comm, cfg.CollectiveTimeout), nil
}
