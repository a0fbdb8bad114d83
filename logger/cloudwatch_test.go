package logger

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type fakeCloudWatch struct {
	puts      [][]cwtypes.MetricDatum
	namespace string
	dashboard string
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.namespace = aws.ToString(in.Namespace)
	f.puts = append(f.puts, in.MetricData)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) PutDashboard(_ context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.dashboard = aws.ToString(in.DashboardBody)
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestPublishChunksMetricData(t *testing.T) {
	fake := &fakeCloudWatch{}
	c := &cloudWatch{namespace: "CortexFlow", dashboard: "CortexFlow"}
	c.set(fake, "Mocap", "")

	data := make([]cwtypes.MetricDatum, maxMetricDatums+5)
	for i := range data {
		data[i] = cwtypes.MetricDatum{MetricName: aws.String("FramesReceived"), Value: aws.Float64(float64(i))}
	}
	c.publish(context.Background(), data)

	if len(fake.puts) != 2 || len(fake.puts[0]) != maxMetricDatums || len(fake.puts[1]) != 5 {
		t.Fatalf("unexpected chunking: %d calls", len(fake.puts))
	}
	if fake.namespace != "Mocap" {
		t.Fatalf("namespace = %q", fake.namespace)
	}
}

func TestPublishWithoutClientIsNoop(t *testing.T) {
	c := &cloudWatch{namespace: "CortexFlow"}
	c.publish(context.Background(), []cwtypes.MetricDatum{{MetricName: aws.String("x")}})
	c.putDashboard(context.Background())
}

func TestDashboardBodyNamesCaptureMetrics(t *testing.T) {
	fake := &fakeCloudWatch{}
	c := &cloudWatch{namespace: "CortexFlow", dashboard: "CortexFlow"}
	c.set(fake, "", "Stage")
	c.putDashboard(context.Background())

	var body struct {
		Widgets []dashboardWidget `json:"widgets"`
	}
	if err := json.Unmarshal([]byte(fake.dashboard), &body); err != nil {
		t.Fatalf("dashboard body is not json: %v", err)
	}
	if len(body.Widgets) != 3 {
		t.Fatalf("widgets = %d", len(body.Widgets))
	}
	if !strings.Contains(fake.dashboard, `["CortexFlow","FramesReceived"]`) {
		t.Fatalf("frames metric missing: %s", fake.dashboard)
	}
}
