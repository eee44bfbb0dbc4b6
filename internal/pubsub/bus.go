package pubsub

import (
	"context"
	"fmt"

	"github.com/adred-codev/ws_channels/internal/shared/types"
	"github.com/rs/zerolog"
)

// Options selects and configures a Bus.
type Options struct {
	Driver     types.PubSubDriver
	InstanceID string
	NATSURL    string
	Redis      RedisConfig
	BufferSize int // memory driver only
}

// Open returns the bus for opts.Driver. It returns (nil, nil) for the none
// driver: the server then runs without cross-process fan-out.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Bus, error) {
	switch opts.Driver {
	case types.PubSubNone, "":
		return nil, nil
	case types.PubSubMemory:
		return NewMemoryBus(opts.BufferSize, logger), nil
	case types.PubSubNATS:
		return NewNATSBus(DefaultNATSConfig(opts.NATSURL, "ws-channels-"+opts.InstanceID), logger)
	case types.PubSubRedis:
		return NewRedisBus(ctx, opts.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown pub/sub driver %q", opts.Driver)
	}
}
