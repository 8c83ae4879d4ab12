package backends

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoConfig configures the DynamoDB backend.
type DynamoConfig struct {
	Table  string
	Region string
	// TTL, when positive, sets an expiry on each stored item so abandoned
	// deployments age out of the table.
	TTL time.Duration
}

// DynamoBackend stores one item per deployment:
// {deployment_id (PK), state_data, updated_at, ttl}.
type DynamoBackend struct {
	client *dynamodb.Client
	table  string
	ttl    time.Duration
	now    func() time.Time
}

// NewDynamoBackend builds a backend using the default AWS credential chain.
func NewDynamoBackend(ctx context.Context, cfg DynamoConfig) (*DynamoBackend, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb backend requires a table")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewDynamoBackendFromClient(dynamodb.NewFromConfig(awsCfg), cfg.Table, cfg.TTL), nil
}

// NewDynamoBackendFromClient builds a backend from an existing client.
func NewDynamoBackendFromClient(client *dynamodb.Client, table string, ttl time.Duration) *DynamoBackend {
	return &DynamoBackend{
		client: client,
		table:  table,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Name identifies the backend kind.
func (b *DynamoBackend) Name() string { return "dynamodb" }

// Put writes the item for the deployment.
func (b *DynamoBackend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	item := map[string]types.AttributeValue{
		"deployment_id": &types.AttributeValueMemberS{Value: deploymentID},
		"state_data":    &types.AttributeValueMemberS{Value: string(payload)},
		"updated_at":    &types.AttributeValueMemberS{Value: b.now().UTC().Format(time.RFC3339Nano)},
	}
	if b.ttl > 0 {
		expiry := b.now().Add(b.ttl).Unix()
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiry, 10)}
	}
	_, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put item %s in table %s: %w", deploymentID, b.table, err)
	}
	return nil
}

// Get reads the item with a consistent read so a pull directly after a push
// observes the pushed document.
func (b *DynamoBackend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.table),
		Key: map[string]types.AttributeValue{
			"deployment_id": &types.AttributeValueMemberS{Value: deploymentID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s from table %s: %w", deploymentID, b.table, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("item %s in table %s: %w", deploymentID, b.table, ErrNotFound)
	}
	attr, ok := out.Item["state_data"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("item %s in table %s has no state_data string attribute", deploymentID, b.table)
	}
	return []byte(attr.Value), nil
}

// Delete removes the item. Deleting a missing item succeeds.
func (b *DynamoBackend) Delete(ctx context.Context, deploymentID string) error {
	_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.table),
		Key: map[string]types.AttributeValue{
			"deployment_id": &types.AttributeValueMemberS{Value: deploymentID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete item %s from table %s: %w", deploymentID, b.table, err)
	}
	return nil
}

// Ping verifies the table exists and is reachable.
func (b *DynamoBackend) Ping(ctx context.Context) error {
	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.table),
	})
	if err != nil {
		return fmt.Errorf("dynamodb table %s not reachable: %w", b.table, err)
	}
	return nil
}
