package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metrics publishes count metrics to one CloudWatch namespace.
type Metrics struct {
	CW         CloudWatchAPI
	Namespace  string
	Dimensions map[string]string
	nowFunc    func() time.Time
}

// NewMetrics returns a Metrics emitter. A nil client makes every call a no-op.
func NewMetrics(cw CloudWatchAPI, namespace string, dims map[string]string) *Metrics {
	return &Metrics{CW: cw, Namespace: namespace, Dimensions: dims, nowFunc: time.Now}
}

// Count publishes the given counters in a single PutMetricData call.
func (m *Metrics) Count(ctx context.Context, counts map[string]int) error {
	if m == nil || m.CW == nil || len(counts) == 0 {
		return nil
	}
	now := m.nowFunc()
	var dims []cwtypes.Dimension
	for k, v := range m.Dimensions {
		dims = append(dims, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}
	data := make([]cwtypes.MetricDatum, 0, len(counts))
	for name, n := range counts {
		v := float64(n)
		data = append(data, cwtypes.MetricDatum{
			MetricName: awsString(name),
			Value:      &v,
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  &now,
			Dimensions: dims,
		})
	}
	_, err := m.CW.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(m.Namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
