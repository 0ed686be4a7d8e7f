// Copyright 2022 The tenantcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient the subset of the DynamoDB API the registry uses
type DynamoDBClient interface {
	PutItem(
		ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options),
	) (*dynamodb.PutItemOutput, error)
	GetItem(
		ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options),
	) (*dynamodb.GetItemOutput, error)
	DeleteItem(
		ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options),
	) (*dynamodb.DeleteItemOutput, error)
	dynamodb.QueryAPIClient
}

// dynamoConnectionItem table item. "ttl" is the epoch second DynamoDB's native TTL
// deletes the item after, while "expires_at" keeps the exact expiry.
type dynamoConnectionItem struct {
	TenantID      string    `dynamodbav:"tenant_id"`
	EntityID      string    `dynamodbav:"entity_id"`
	SubjectID     string    `dynamodbav:"subject_id"`
	Role          string    `dynamodbav:"role"`
	EstablishedAt time.Time `dynamodbav:"established_at"`
	Status        string    `dynamodbav:"status"`
	ExpiresAt     time.Time `dynamodbav:"expires_at"`
	TTL           int64     `dynamodbav:"ttl"`
}

func (i dynamoConnectionItem) record() ConnectionRecord {
	expiresAt := i.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Unix(i.TTL, 0)
	}
	return ConnectionRecord{
		TenantID:      i.TenantID,
		ConnectionID:  i.EntityID,
		SubjectID:     i.SubjectID,
		Role:          i.Role,
		EstablishedAt: i.EstablishedAt,
		Status:        ConnectionStatus(i.Status),
		ExpiresAt:     expiresAt,
	}
}

// dynamoDBRegistry registry on a DynamoDB table with partition key "tenant_id" and
// sort key "entity_id"
type dynamoDBRegistry struct {
	common.Component
	recordPreparer
	client DynamoDBClient
	table  string
}

// NewDynamoDBClient define a DynamoDB client, optionally against a custom endpoint
func NewDynamoDBClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// GetDynamoDBRegistry define a new DynamoDB backed registry
func GetDynamoDBRegistry(
	client DynamoDBClient, table string, retention time.Duration,
) (Registry, error) {
	logTags := log.Fields{"module": "registry", "component": "dynamodb", "instance": table}
	return &dynamoDBRegistry{
		Component:      common.Component{LogTags: logTags},
		recordPreparer: newRecordPreparer(retention),
		client:         client,
		table:          table,
	}, nil
}

func dynamoKey(tenantID, connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: tenantID},
		"entity_id": &types.AttributeValueMemberS{Value: connectionID},
	}
}

func (r *dynamoDBRegistry) Put(ctxt context.Context, record ConnectionRecord) error {
	logTags := r.GetLogTagsForContext(ctxt)
	stored, _, err := r.prepare(record)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected connection record")
		return err
	}
	item, err := attributevalue.MarshalMap(dynamoConnectionItem{
		TenantID:      stored.TenantID,
		EntityID:      stored.ConnectionID,
		SubjectID:     stored.SubjectID,
		Role:          stored.Role,
		EstablishedAt: stored.EstablishedAt,
		Status:        string(stored.Status),
		ExpiresAt:     stored.ExpiresAt,
		TTL:           stored.ExpiresAt.Unix(),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to marshal connection record")
		return err
	}
	if _, err := r.client.PutItem(ctxt, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to PUT %s/%s", stored.TenantID, stored.ConnectionID,
		)
		return unavailable("put", err)
	}
	log.WithFields(logTags).Debugf("PUT %s/%s", stored.TenantID, stored.ConnectionID)
	return nil
}

func (r *dynamoDBRegistry) Get(
	ctxt context.Context, tenantID, connectionID string,
) (ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return ConnectionRecord{}, err
	}
	resp, err := r.client.GetItem(ctxt, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            dynamoKey(tenantID, connectionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to GET %s/%s", tenantID, connectionID)
		return ConnectionRecord{}, unavailable("get", err)
	}
	if len(resp.Item) == 0 {
		return ConnectionRecord{}, common.ErrConnectionNotFound
	}
	var item dynamoConnectionItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Corrupt item %s/%s", tenantID, connectionID)
		return ConnectionRecord{}, unavailable("get", err)
	}
	record := item.record()
	// Native TTL deletion lags behind the expiry
	if record.TenantID != tenantID || record.Expired(r.now()) {
		return ConnectionRecord{}, common.ErrConnectionNotFound
	}
	return record, nil
}

func (r *dynamoDBRegistry) ListByTenant(
	ctxt context.Context, tenantID string,
) ([]ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateTenantID(tenantID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tenant ID")
		return nil, err
	}
	now := r.now()
	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("tenant_id = :tenant"),
		FilterExpression:       aws.String("#ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tenant": &types.AttributeValueMemberS{Value: tenantID},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
		ConsistentRead: aws.Bool(true),
	})
	result := []ConnectionRecord{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctxt)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to QUERY tenant %s", tenantID)
			return nil, unavailable("list", err)
		}
		var items []dynamoConnectionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Corrupt items of tenant %s", tenantID)
			return nil, unavailable("list", err)
		}
		for _, item := range items {
			record := item.record()
			if record.TenantID != tenantID || record.Expired(now) {
				continue
			}
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectionID < result[j].ConnectionID
	})
	return result, nil
}

func (r *dynamoDBRegistry) Delete(ctxt context.Context, tenantID, connectionID string) error {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return err
	}
	if _, err := r.client.DeleteItem(ctxt, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key:       dynamoKey(tenantID, connectionID),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to DELETE %s/%s", tenantID, connectionID)
		return unavailable("delete", err)
	}
	log.WithFields(logTags).Debugf("DELETE %s/%s", tenantID, connectionID)
	return nil
}

func (r *dynamoDBRegistry) Close() error {
	return nil
}
