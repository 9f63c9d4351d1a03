package observe

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// InfluxConfig InfluxDB 连接配置
type InfluxConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Token       string `mapstructure:"token" yaml:"token"`
	Org         string `mapstructure:"org" yaml:"org"`
	Bucket      string `mapstructure:"bucket" yaml:"bucket"`
	Measurement string `mapstructure:"measurement" yaml:"measurement"`
}

// Enabled 是否配置了 InfluxDB
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

type pointWriter interface {
	WritePoint(point *write.Point)
}

// InfluxSink 把尝试事件写入 InfluxDB
// WriteAPI 是异步批量写入，Emit 不会阻塞
type InfluxSink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	logger      *logrus.Entry
}

// NewInfluxSink 连接 InfluxDB 并创建写入接口
func NewInfluxSink(ctx context.Context, cfg InfluxConfig, logger *logrus.Entry) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Warn("InfluxDB write failed")
		}
	}()

	s := newInfluxSink(writeAPI, cfg.Measurement, logger)
	s.client = client
	return s, nil
}

func newInfluxSink(w pointWriter, measurement string, logger *logrus.Entry) *InfluxSink {
	if measurement == "" {
		measurement = "provider_attempt"
	}
	return &InfluxSink{writer: w, measurement: measurement, logger: logger}
}

// Emit 实现 Sink
func (s *InfluxSink) Emit(e Event) {
	point := influxdb2.NewPointWithMeasurement(s.measurement).
		AddTag("provider", e.Provider).
		AddTag("kind", string(e.Kind)).
		AddTag("outcome", string(e.Outcome)).
		AddTag("error_kind", e.ErrorKind.String()).
		AddField("duration_ms", e.DurationMs).
		AddField("request_id", e.RequestID).
		SetTime(e.Time)

	s.writer.WritePoint(point)
}

// Close 刷新缓冲并关闭客户端
func (s *InfluxSink) Close() error {
	// Close 会等待异步写入完成
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
