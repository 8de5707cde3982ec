package mqtt

import "fmt"

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends payload to topic on every targeted, connected broker.
//
// target is a broker name, or AllBrokers. The result is true if at least
// one broker accepted the message. Per-broker failures are logged and
// counted but never stop the fan-out. When no broker is connected at all
// the message is dropped; there is no queue.
func (f *Fleet) Publish(topic string, payload []byte, retain bool, target string) bool {
	return f.fanOut(payload, retain, target, func(*Connection) string { return topic })
}

// PublishKind is Publish with the topic resolved per broker from kind.
// Brokers with no topic configured for kind are skipped.
func (f *Fleet) PublishKind(kind Kind, payload []byte, retain bool, target string) bool {
	return f.fanOut(payload, retain, target, func(c *Connection) string {
		return ResolveTopic(kind, f.bridge, c.Config(), f.origin.PublicKey)
	})
}

func (f *Fleet) fanOut(payload []byte, retain bool, target string, topicFor func(*Connection) string) bool {
	if !f.AnyConnected() {
		metricPublishSkippedTotal.Inc()
		f.logDebug("no broker connected, message dropped", "bytes", len(payload))
		return false
	}
	if len(payload) > maxPayloadSize {
		f.logWarn("message dropped", fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize))
		return false
	}

	ok := false
	for _, c := range f.conns {
		if target != AllBrokers && c.Name() != target {
			continue
		}
		if !c.Connected() {
			continue
		}
		topic := topicFor(c)
		if topic == "" {
			continue
		}

		if err := c.Publish(topic, payload, retain); err != nil {
			metricPublishTotal.WithLabelValues(c.Name(), resultFailure).Inc()
			f.logWarn("publish failed", err, "broker", c.Name(), "topic", topic)
			continue
		}
		metricPublishTotal.WithLabelValues(c.Name(), resultSuccess).Inc()
		ok = true
	}
	return ok
}
