package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/dispensary/internal/apperror"
)

// maxTransactItems is the DynamoDB TransactWriteItems limit; one slot is
// reserved for the expected-version condition check.
const maxTransactItems = 100

// DynamoAPI is the subset of the DynamoDB client the stores use.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoEventStore stores events in DynamoDB.
// The event log table has DynamoDB Streams enabled; the publisher lambda
// consumes its INSERT records as the change feed.
type DynamoEventStore struct {
	client            DynamoAPI
	tableName         string
	snapshotTableName string
	pageSize          int32
	now               func() time.Time
}

// DynamoEventItem is the event log item. It is exported so the stream
// adapter decodes DynamoDB Streams images with the same layout.
type DynamoEventItem struct {
	AggregateTypeAndID  string            `dynamodbav:"AggregateTypeAndId"`
	AggregateIDSequence int               `dynamodbav:"AggregateIdSequence"`
	ID                  string            `dynamodbav:"Id"`
	AggregateType       string            `dynamodbav:"AggregateType"`
	AggregateID         string            `dynamodbav:"AggregateId"`
	EventType           string            `dynamodbav:"EventType"`
	EventVersion        string            `dynamodbav:"EventVersion"`
	Payload             string            `dynamodbav:"Payload"`
	Metadata            map[string]string `dynamodbav:"Metadata,omitempty"`
	OccurredAt          string            `dynamodbav:"OccurredAt"`
}

func (it DynamoEventItem) Event() Event {
	occurred, _ := time.Parse(time.RFC3339Nano, it.OccurredAt)
	return Event{
		ID:            it.ID,
		AggregateType: it.AggregateType,
		AggregateID:   it.AggregateID,
		Sequence:      it.AggregateIDSequence,
		EventType:     it.EventType,
		EventVersion:  it.EventVersion,
		Payload:       json.RawMessage(it.Payload),
		OccurredAt:    occurred,
		Metadata:      it.Metadata,
	}
}

func NewDynamoEventStore(client DynamoAPI, tableName, snapshotTableName string) *DynamoEventStore {
	return &DynamoEventStore{
		client:            client,
		tableName:         tableName,
		snapshotTableName: snapshotTableName,
		pageSize:          defaultPageSize,
		now:               time.Now,
	}
}

func sequenceKey(aggregateType, aggregateID string, sequence int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"AggregateTypeAndId":  &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		"AggregateIdSequence": &types.AttributeValueMemberN{Value: strconv.Itoa(sequence)},
	}
}

// Append writes the batch in one transaction. The condition check pins the
// expected version; attribute_not_exists on every put rejects a stale one.
func (es *DynamoEventStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []NewEvent) (int, error) {
	if err := ValidateAppend(aggregateType, aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}
	if len(events) >= maxTransactItems {
		return 0, apperror.Validation("at most %d events per append, got %d", maxTransactItems-1, len(events))
	}

	committed := materialize(aggregateType, aggregateID, expectedVersion, events, es.now())
	items := make([]types.TransactWriteItem, 0, len(committed)+1)
	if expectedVersion > 0 {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(es.tableName),
				Key:                 sequenceKey(aggregateType, aggregateID, expectedVersion),
				ConditionExpression: aws.String("attribute_exists(AggregateTypeAndId)"),
			},
		})
	}
	for _, e := range committed {
		av, err := attributevalue.MarshalMap(DynamoEventItem{
			AggregateTypeAndID:  streamKey(aggregateType, aggregateID),
			AggregateIDSequence: e.Sequence,
			ID:                  e.ID,
			AggregateType:       e.AggregateType,
			AggregateID:         e.AggregateID,
			EventType:           e.EventType,
			EventVersion:        e.EventVersion,
			Payload:             string(e.Payload),
			Metadata:            e.Metadata,
			OccurredAt:          e.OccurredAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(es.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(AggregateTypeAndId)"),
			},
		})
	}

	_, err := es.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return 0, apperror.ConcurrencyConflict("%s %s: expected version %d is stale", aggregateType, aggregateID, expectedVersion)
		}
		return 0, apperror.Transient(err, "append %s %s", aggregateType, aggregateID)
	}
	return expectedVersion + len(committed), nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (es *DynamoEventStore) Load(ctx context.Context, aggregateType, aggregateID string) (History, error) {
	snap, err := es.getSnapshot(ctx, aggregateType, aggregateID)
	if err != nil {
		return History{}, err
	}
	after := 0
	if snap != nil {
		after = snap.Version
	}
	return History{Snapshot: snap, Events: es.ReadEvents(ctx, aggregateType, aggregateID, after)}, nil
}

// ReadEvents fetches one query page at a time as the caller ranges.
func (es *DynamoEventStore) ReadEvents(ctx context.Context, aggregateType, aggregateID string, afterSequence int) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		paginator := dynamodb.NewQueryPaginator(es.client, &dynamodb.QueryInput{
			TableName:              aws.String(es.tableName),
			KeyConditionExpression: aws.String("AggregateTypeAndId = :pk AND AggregateIdSequence > :after"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
				":after": &types.AttributeValueMemberN{Value: strconv.Itoa(afterSequence)},
			},
			ConsistentRead:   aws.Bool(true),
			ScanIndexForward: aws.Bool(true),
			Limit:            aws.Int32(es.pageSize),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(Event{}, apperror.Transient(err, "query events of %s %s", aggregateType, aggregateID))
				return
			}
			for _, raw := range page.Items {
				var item DynamoEventItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					yield(Event{}, fmt.Errorf("failed to unmarshal event: %w", err))
					return
				}
				if !yield(item.Event(), nil) {
					return
				}
			}
		}
	}
}

func (es *DynamoEventStore) Version(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	result, err := es.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(es.tableName),
		KeyConditionExpression: aws.String("AggregateTypeAndId = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		},
		ConsistentRead:       aws.Bool(true),
		ScanIndexForward:     aws.Bool(false), // Descending order
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("AggregateIdSequence"),
	})
	if err != nil {
		return 0, apperror.Transient(err, "read version of %s %s", aggregateType, aggregateID)
	}
	if len(result.Items) == 0 {
		return 0, nil
	}
	var item struct {
		Sequence int `dynamodbav:"AggregateIdSequence"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, fmt.Errorf("failed to unmarshal version: %w", err)
	}
	return item.Sequence, nil
}

// dynamoSnapshot is the snapshot table item, one per aggregate.
type dynamoSnapshot struct {
	AggregateTypeAndID string `dynamodbav:"AggregateTypeAndId"`
	AggregateType      string `dynamodbav:"AggregateType"`
	AggregateID        string `dynamodbav:"AggregateId"`
	Version            int    `dynamodbav:"Version"`
	State              string `dynamodbav:"State"`
	CreatedAt          string `dynamodbav:"CreatedAt"`
}

// SaveSnapshot writes only when the stored snapshot is older.
func (es *DynamoEventStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = es.now()
	}
	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		AggregateTypeAndID: streamKey(snapshot.AggregateType, snapshot.AggregateID),
		AggregateType:      snapshot.AggregateType,
		AggregateID:        snapshot.AggregateID,
		Version:            snapshot.Version,
		State:              string(snapshot.State),
		CreatedAt:          createdAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = es.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(es.snapshotTableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(AggregateTypeAndId) OR Version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.Itoa(snapshot.Version)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return apperror.Transient(err, "put snapshot")
	}
	return nil
}

func (es *DynamoEventStore) getSnapshot(ctx context.Context, aggregateType, aggregateID string) (*Snapshot, error) {
	result, err := es.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(es.snapshotTableName),
		Key: map[string]types.AttributeValue{
			"AggregateTypeAndId": &types.AttributeValueMemberS{Value: streamKey(aggregateType, aggregateID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperror.Transient(err, "get snapshot")
	}
	if result.Item == nil {
		return nil, nil // No snapshot exists
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, ds.CreatedAt)
	return &Snapshot{
		AggregateType: ds.AggregateType,
		AggregateID:   ds.AggregateID,
		Version:       ds.Version,
		State:         json.RawMessage(ds.State),
		CreatedAt:     createdAt,
	}, nil
}
