package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/deadletter"
	"github.com/example/dispensary/internal/stream"
)

// SQLDeadLetterStore is a deadletter.Sink backed by the dead_letters table.
// An entry is stored at most once per component and record key, so
// undecodable records are told apart by their stream position.
type SQLDeadLetterStore struct {
	db      *sql.DB
	dialect Dialect
}

// StoredEntry is a dead-letter entry with its row id.
type StoredEntry struct {
	ID int64
	deadletter.Entry
}

func NewSQLDeadLetterStore(db *sql.DB, dialect Dialect) *SQLDeadLetterStore {
	return &SQLDeadLetterStore{db: db, dialect: dialect}
}

func (s *SQLDeadLetterStore) Send(ctx context.Context, entry deadletter.Entry) error {
	record, err := json.Marshal(entry.OriginalRecord)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		rebind(s.dialect, `INSERT INTO dead_letters
		(component, record_key, aggregate_type, partition_key, sequence, record, error_class, message, attempt_count, first_failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (component, record_key) DO NOTHING`),
		entry.Component, entry.OriginalRecord.DedupKey(), entry.OriginalRecord.AggregateType, entry.OriginalRecord.PartitionKey,
		entry.OriginalRecord.Sequence, string(record), entry.ErrorClass, entry.Message,
		entry.AttemptCount, toMillis(entry.FirstFailedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	log.WithFields(log.Fields{
		"component": entry.Component,
		"key":       entry.OriginalRecord.DedupKey(),
		"class":     entry.ErrorClass,
	}).Warn("[SQLDeadLetterStore] record quarantined")
	return nil
}

// List returns the quarantined entries of one component, oldest first.
// An empty component lists every entry.
func (s *SQLDeadLetterStore) List(ctx context.Context, component string) ([]StoredEntry, error) {
	query := `SELECT id, component, record, error_class, message, attempt_count, first_failed_at
		FROM dead_letters`
	var args []any
	if component != "" {
		query += " WHERE component = ?"
		args = append(args, component)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []StoredEntry
	for rows.Next() {
		var (
			e        StoredEntry
			record   string
			failedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Component, &record, &e.ErrorClass, &e.Message, &e.AttemptCount, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(record), &e.OriginalRecord); err != nil {
			return nil, fmt.Errorf("decode dead-letter record %d: %w", e.ID, err)
		}
		e.FirstFailedAt = fromMillis(failedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes an entry after an operator has dealt with it.
func (s *SQLDeadLetterStore) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, "DELETE FROM dead_letters WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("remove dead letter %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("dead letter %d", id)
	}
	return nil
}

// DynamoDeadLetterStore is a deadletter.Sink backed by a DynamoDB table
// keyed by component and record key.
type DynamoDeadLetterStore struct {
	client    DynamoAPI
	tableName string
}

type dynamoDeadLetter struct {
	Component     string `dynamodbav:"Component"`
	RecordKey     string `dynamodbav:"RecordKey"`
	Record        string `dynamodbav:"Record"`
	ErrorClass    string `dynamodbav:"ErrorClass"`
	Message       string `dynamodbav:"Message"`
	AttemptCount  int    `dynamodbav:"AttemptCount"`
	FirstFailedAt string `dynamodbav:"FirstFailedAt"`
}

func NewDynamoDeadLetterStore(client DynamoAPI, tableName string) *DynamoDeadLetterStore {
	return &DynamoDeadLetterStore{client: client, tableName: tableName}
}

func (s *DynamoDeadLetterStore) Send(ctx context.Context, entry deadletter.Entry) error {
	record, err := json.Marshal(entry.OriginalRecord)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}
	av, err := attributevalue.MarshalMap(dynamoDeadLetter{
		Component:     entry.Component,
		RecordKey:     entry.OriginalRecord.DedupKey(),
		Record:        string(record),
		ErrorClass:    entry.ErrorClass,
		Message:       entry.Message,
		AttemptCount:  entry.AttemptCount,
		FirstFailedAt: entry.FirstFailedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(RecordKey)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return apperror.Transient(err, "put dead letter")
	}
	return nil
}

// List returns the entries of one component.
func (s *DynamoDeadLetterStore) List(ctx context.Context, component string) ([]deadletter.Entry, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("Component = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: component},
		},
	})
	var out []deadletter.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperror.Transient(err, "list dead letters")
		}
		for _, raw := range page.Items {
			var item dynamoDeadLetter
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
			}
			var rec stream.Record
			if err := json.Unmarshal([]byte(item.Record), &rec); err != nil {
				return nil, fmt.Errorf("decode dead-letter record %s: %w", item.RecordKey, err)
			}
			failedAt, _ := time.Parse(time.RFC3339Nano, item.FirstFailedAt)
			out = append(out, deadletter.Entry{
				Component:      item.Component,
				OriginalRecord: rec,
				ErrorClass:     item.ErrorClass,
				Message:        item.Message,
				AttemptCount:   item.AttemptCount,
				FirstFailedAt:  failedAt,
			})
		}
	}
	return out, nil
}

// Remove deletes the entry for one record.
func (s *DynamoDeadLetterStore) Remove(ctx context.Context, component, recordKey string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"Component": &types.AttributeValueMemberS{Value: component},
			"RecordKey": &types.AttributeValueMemberS{Value: recordKey},
		},
	})
	if err != nil {
		return apperror.Transient(err, "delete dead letter %s", recordKey)
	}
	return nil
}
