package kafkax

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck dials the first broker. With no brokers configured the service
// runs without event publishing, which is reported as ready.
func ReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return nil
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", list[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}
