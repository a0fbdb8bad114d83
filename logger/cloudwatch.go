package logger

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData accepts at most this many datums per call.
const maxMetricDatums = 1000

// metricPublisher is the part of the CloudWatch client the report uses.
type metricPublisher interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatch struct {
	mu        sync.RWMutex
	client    metricPublisher
	namespace string
	dashboard string
}

var cw = &cloudWatch{namespace: "CortexFlow", dashboard: "CortexFlow"}

// InitCloudWatch creates the CloudWatch client and puts the capture
// dashboard. An empty region falls back to AWS_REGION. On failure metric
// publishing stays disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	ctx := context.Background()
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cw.set(cloudwatch.NewFromConfig(awsCfg), namespace, dashboard)
	log.WithFields(Fields{"region": region, "namespace": cw.namespace}).Info("initialized CloudWatch client")
	cw.putDashboard(ctx)
}

func (c *cloudWatch) set(client metricPublisher, namespace, dashboard string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	if namespace != "" {
		c.namespace = namespace
	}
	if dashboard != "" {
		c.dashboard = dashboard
	}
}

// publishMetrics is a no-op until InitCloudWatch succeeds.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	cw.publish(ctx, data)
}

func (c *cloudWatch) publish(ctx context.Context, data []cwtypes.MetricDatum) {
	c.mu.RLock()
	client, ns := c.client, c.namespace
	c.mu.RUnlock()
	if client == nil || len(data) == 0 {
		return
	}

	for start := 0; start < len(data); start += maxMetricDatums {
		end := min(start+maxMetricDatums, len(data))
		_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(ns),
			MetricData: data[start:end],
		})
		if err != nil {
			GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}
}

type dashboardWidget struct {
	Type       string         `json:"type"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Properties map[string]any `json:"properties"`
}

func (c *cloudWatch) dashboardBody() (string, error) {
	metric := func(names ...string) [][]string {
		out := make([][]string, 0, len(names))
		for _, n := range names {
			out = append(out, []string{c.namespace, n})
		}
		return out
	}
	widgets := []dashboardWidget{
		{Type: "metric", Width: 12, Height: 6, Properties: map[string]any{
			"title":   "Capture stream",
			"metrics": metric("FramesReceived", "FramesDropped", "CommandsSent"),
			"period":  60,
			"stat":    "Sum",
		}},
		{Type: "metric", Width: 12, Height: 6, Properties: map[string]any{
			"title":   "Recorder",
			"metrics": metric("StorageWrites", "ErrorsClient", "ErrorsPipeline"),
			"period":  60,
			"stat":    "Sum",
		}},
		{Type: "metric", Width: 24, Height: 6, Properties: map[string]any{
			"title":   "Host resources",
			"metrics": metric("CPUPercent", "MemoryMB", "DiskMB"),
			"period":  60,
			"stat":    "Average",
		}},
	}
	b, err := json.Marshal(map[string]any{"widgets": widgets})
	return string(b), err
}

// putDashboard failures are only logged.
func (c *cloudWatch) putDashboard(ctx context.Context) {
	c.mu.RLock()
	client, name := c.client, c.dashboard
	c.mu.RUnlock()
	if client == nil {
		return
	}
	body, err := c.dashboardBody()
	if err == nil {
		_, err = client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
			DashboardName: aws.String(name),
			DashboardBody: aws.String(body),
		})
	}
	if err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
