package channel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

type channelMetrics struct {
	connects      metric.Int64Counter
	reconnects    metric.Int64Counter
	messages      metric.Int64Counter
	messageBytes  metric.Int64Histogram
	pingLatency   metric.Float64Histogram
	openConnGauge metric.Int64UpDownCounter
}

func newChannelMetrics() *channelMetrics {
	meter := otel.Meter("channel")
	cm := new(channelMetrics)
	cm.connects, _ = meter.Int64Counter("ordersync_channel_connects",
		metric.WithDescription("Push channel dial attempts by result"),
		metric.WithUnit("{attempt}"))
	cm.reconnects, _ = meter.Int64Counter("ordersync_channel_reconnects",
		metric.WithDescription("Automatic reconnect decisions (scheduled or exhausted)"),
		metric.WithUnit("{reconnect}"))
	cm.messages, _ = meter.Int64Counter("ordersync_channel_messages",
		metric.WithDescription("Frames received on push channels"),
		metric.WithUnit("{message}"))
	cm.messageBytes, _ = meter.Int64Histogram("ordersync_channel_message_bytes",
		metric.WithDescription("Size of push channel frames"),
		metric.WithUnit("By"))
	cm.pingLatency, _ = meter.Float64Histogram("ordersync_channel_ping_latency",
		metric.WithDescription("Latency of keepalive pings"),
		metric.WithUnit("ms"))
	cm.openConnGauge, _ = meter.Int64UpDownCounter("ordersync_channel_open_connections",
		metric.WithDescription("Currently open push connections"),
		metric.WithUnit("{connection}"))
	return cm
}

func (cm *channelMetrics) recordConnect(role, result string) {
	attrs := append(telemetry.ChannelAttributes(telemetry.Environment(), role), telemetry.AttrResult.String(result))
	cm.connects.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (cm *channelMetrics) recordReconnect(role, result string) {
	attrs := append(telemetry.ChannelAttributes(telemetry.Environment(), role), telemetry.AttrResult.String(result))
	cm.reconnects.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (cm *channelMetrics) recordMessage(role string, size int) {
	attrs := metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), role)...)
	cm.messages.Add(context.Background(), 1, attrs)
	cm.messageBytes.Record(context.Background(), int64(size), attrs)
}

func (cm *channelMetrics) recordPing(role string, latency time.Duration, result string) {
	attrs := append(telemetry.ChannelAttributes(telemetry.Environment(), role), telemetry.AttrResult.String(result))
	cm.pingLatency.Record(context.Background(), float64(latency.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func (cm *channelMetrics) adjustOpen(role string, delta int64) {
	attrs := telemetry.ChannelAttributes(telemetry.Environment(), role)
	cm.openConnGauge.Add(context.Background(), delta, metric.WithAttributes(attrs...))
}
