package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const tableWaitTimeout = 2 * time.Minute

// ClientConfig configures the DynamoDB client.
type ClientConfig struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates a DynamoDB client. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// CreateTables creates the users and email lock tables if they do not exist
// and waits until both are active.
func (r *Repository) CreateTables(ctx context.Context) error {
	specs := []struct {
		name string
		key  string
	}{
		{r.tables.Users, "userId"},
		{r.tables.Emails, "email"},
	}

	for _, spec := range specs {
		_, err := r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(spec.name),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(spec.key), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(spec.key), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			var inUse *types.ResourceInUseException
			if errors.As(err, &inUse) {
				slog.Info("table already exists", "table", spec.name)
				continue
			}
			return fmt.Errorf("create table %s: %w", spec.name, err)
		}
		slog.Info("table created", "table", spec.name)
	}

	waiter := dynamodb.NewTableExistsWaiter(r.client)
	for _, spec := range specs {
		err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.name)}, tableWaitTimeout)
		if err != nil {
			return fmt.Errorf("wait for table %s: %w", spec.name, err)
		}
	}
	return nil
}
