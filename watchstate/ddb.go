package watchstate

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API the store depends on.
// *dynamodb.Client satisfies it.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DDBStore persists watermarks in a DynamoDB table, keyed by the S3
// base URI being watched, so several hosts can share watch state.
//
// Table schema:
//   - Partition key: base_uri (string) - "s3://bucket/prefix"
//   - Attribute: watermarks (map of string to string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name evidencecache-watch \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S \
//	  --key-schema AttributeName=base_uri,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DDBStore struct {
	client    DDBClient
	tableName string
	baseURI   string
}

// NewDDBStore creates a DynamoDB-backed state store.
func NewDDBStore(client DDBClient, tableName, baseURI string) *DDBStore {
	return &DDBStore{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Load reads the persisted watermarks. A missing item yields an empty map.
func (s *DDBStore) Load(ctx context.Context) (map[string]string, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("watchstate: ddb get: %w", err)
	}

	watermarks := map[string]string{}
	attr, ok := resp.Item["watermarks"]
	if !ok {
		return watermarks, nil
	}
	m, ok := attr.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("watchstate: invalid watermarks attribute for %s", s.baseURI)
	}
	for k, v := range m.Value {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("watchstate: invalid watermark value for %s/%s", s.baseURI, k)
		}
		watermarks[k] = sv.Value
	}
	return watermarks, nil
}

// Save replaces the persisted watermarks.
func (s *DDBStore) Save(ctx context.Context, watermarks map[string]string) error {
	m := make(map[string]types.AttributeValue, len(watermarks))
	for k, v := range watermarks {
		m[k] = &types.AttributeValueMemberS{Value: v}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":   &types.AttributeValueMemberS{Value: s.baseURI},
			"watermarks": &types.AttributeValueMemberM{Value: m},
		},
	})
	if err != nil {
		return fmt.Errorf("watchstate: ddb put: %w", err)
	}
	return nil
}
