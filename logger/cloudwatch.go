package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchOptions configures metric publishing. Static credentials are
// used when AccessKeyID is set, the default AWS chain otherwise.
type CloudWatchOptions struct {
	Region          string
	Namespace       string
	Dashboard       string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}

var (
	cwMu    sync.RWMutex
	cwState = cloudWatchState{namespace: "MarketFeed", dashboard: "MarketFeed"}
)

// InitCloudWatch creates the CloudWatch client. When the AWS configuration
// cannot be loaded a warning is logged and publishing stays disabled.
func InitCloudWatch(ctx context.Context, opts CloudWatchOptions) {
	log := GetLogger().WithComponent("cloudwatch")

	region := opts.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwState.client = cloudwatch.NewFromConfig(cfg)
	if opts.Namespace != "" {
		cwState.namespace = opts.Namespace
	}
	if opts.Dashboard != "" {
		cwState.dashboard = opts.Dashboard
	}
	namespace := cwState.namespace
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func cloudWatch() cloudWatchState {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwState
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	state := cloudWatch()
	if state.client == nil || len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard puts a dashboard with the feed health widgets.
// Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	state := cloudWatch()
	if state.client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","Feed-RecordsEmitted"],
    ["%[1]s","Feed-DecodeErrors"],
    ["%[1]s","Feed-LivenessFailures"],
    ["%[1]s","Feed-RecordsDropped"]
],
"period": 60,
"stat": "Sum",
"title": "Market feed health"
}
}]
}`, state.namespace)

	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
