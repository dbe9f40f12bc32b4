package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/internal/transport/kafkabus"
	"github.com/ikvm/Microservice/internal/transport/memory"
	"github.com/ikvm/Microservice/internal/transport/redisbus"
	"github.com/ikvm/Microservice/pkg/logx"
)

// openFabric builds the fabric named by fabric.driver. The memory driver
// gets a private hub unless one is supplied, which makes it single-process.
func openFabric(ctx context.Context, cfg *config.Config, id string, hub *memory.Hub, log logx.Logger) (transport.Fabric, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Fabric.Driver))
	switch driver {
	case "", "memory":
		if hub == nil {
			hub = memory.NewHub()
		}
		return memory.New(hub, id), nil
	case "redis":
		rc := mapRedisConfig(cfg)
		client := redisbus.NewClient(rc)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			// The sender reinitializes on connection faults, so a broker
			// that is down at boot is not fatal.
			log.Warn("redis ping failed at startup", logx.String("addr", rc.Addr), logx.Err(err))
		}
		return redisbus.New(client, rc.Prefix), nil
	case "kafka":
		kc, err := mapKafkaConfig(cfg)
		if err != nil {
			return nil, err
		}
		return kafkabus.New(kc, id, log), nil
	default:
		return nil, fmt.Errorf("unknown fabric.driver: %s", cfg.Fabric.Driver)
	}
}
