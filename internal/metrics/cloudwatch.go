package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "tickflow/config"
	"tickflow/logger"
)

// CloudWatchPublisher mirrors the monitor's window samples into CloudWatch
// custom metrics. Publishing is best effort; API failures are logged and the
// next window is attempted regardless.
type CloudWatchPublisher struct {
	client    *cloudwatch.Client
	namespace string
	monitor   *Monitor
	interval  time.Duration
	log       *logger.Entry

	collectors func() []string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewCloudWatchPublisher builds a publisher, or returns nil (not an error)
// when the AWS configuration cannot be loaded so metrics stay local.
func NewCloudWatchPublisher(cfg appconfig.CloudWatchConfig, monitor *Monitor, collectors func() []string) *CloudWatchPublisher {
	log := logger.GetLogger().WithComponent("cloudwatch")

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration, cloudwatch metrics disabled")
		return nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "Tickflow"
	}

	log.WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": namespace,
	}).Info("cloudwatch publisher initialized")

	return &CloudWatchPublisher{
		client:     cloudwatch.NewFromConfig(awsCfg),
		namespace:  namespace,
		monitor:    monitor,
		interval:   time.Minute,
		log:        log,
		collectors: collectors,
	}
}

func (p *CloudWatchPublisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *CloudWatchPublisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *CloudWatchPublisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *CloudWatchPublisher) publish(ctx context.Context) {
	var data []cwtypes.MetricDatum
	for _, id := range p.collectors() {
		samples := p.monitor.Samples(id)
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]
		dims := []cwtypes.Dimension{
			{Name: aws.String("collector"), Value: aws.String(id)},
		}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Throughput"),
				Dimensions: dims,
				Unit:       cwtypes.StandardUnitCountSecond,
				Value:      aws.Float64(latest.Throughput),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Errors"),
				Dimensions: dims,
				Unit:       cwtypes.StandardUnitCount,
				Value:      aws.Float64(float64(latest.ErrorCount)),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("DroppedEvents"),
				Dimensions: dims,
				Unit:       cwtypes.StandardUnitCount,
				Value:      aws.Float64(float64(latest.DroppedCount)),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("P95LatencyMs"),
				Dimensions: dims,
				Unit:       cwtypes.StandardUnitMilliseconds,
				Value:      aws.Float64(float64(latest.P95Latency.Milliseconds())),
			},
		)
	}
	if len(data) == 0 {
		return
	}

	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		p.log.WithError(err).Warn("failed to publish cloudwatch metrics")
		return
	}
	p.log.WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to cloudwatch")
}
