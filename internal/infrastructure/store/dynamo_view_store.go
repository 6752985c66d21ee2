package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/readmodel"
)

// DynamoViewStore keeps dispense views in the dispenses view table.
type DynamoViewStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

type dynamoView struct {
	ID           string `dynamodbav:"Id"`
	LastSequence int    `dynamodbav:"LastSequence"`
	Status       string `dynamodbav:"Status"`
	Document     string `dynamodbav:"Document"`
	UpdatedAt    string `dynamodbav:"UpdatedAt"`
}

func NewDynamoViewStore(client DynamoAPI, tableName string) *DynamoViewStore {
	return &DynamoViewStore{client: client, tableName: tableName, now: time.Now}
}

func (s *DynamoViewStore) Get(ctx context.Context, id string) (*readmodel.DispenseView, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"Id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, apperror.Transient(err, "get view %s", id)
	}
	if result.Item == nil {
		return nil, apperror.NotFound("dispense view %s", id)
	}
	var item dynamoView
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal view: %w", err)
	}
	var v readmodel.DispenseView
	if err := json.Unmarshal([]byte(item.Document), &v); err != nil {
		return nil, fmt.Errorf("decode view %s: %w", id, err)
	}
	return &v, nil
}

func (s *DynamoViewStore) Upsert(ctx context.Context, view *readmodel.DispenseView) error {
	return s.put(ctx, view, true)
}

func (s *DynamoViewStore) Replace(ctx context.Context, view *readmodel.DispenseView) error {
	return s.put(ctx, view, false)
}

func (s *DynamoViewStore) put(ctx context.Context, view *readmodel.DispenseView, conditional bool) error {
	doc, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view %s: %w", view.ID, err)
	}
	av, err := attributevalue.MarshalMap(dynamoView{
		ID:           view.ID,
		LastSequence: view.LastSequence,
		Status:       view.Status,
		Document:     string(doc),
		UpdatedAt:    s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}

	input := &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: av}
	if conditional {
		input.ConditionExpression = aws.String("attribute_not_exists(Id) OR LastSequence < :seq")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":seq": &types.AttributeValueMemberN{Value: strconv.Itoa(view.LastSequence)},
		}
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return apperror.Transient(err, "put view %s", view.ID)
	}
	return nil
}
