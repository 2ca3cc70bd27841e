package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tutor-agent/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skState         = "STATE#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL
)

var timeNow = time.Now

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store persists one session state blob per session key: a single item with
// the JSON state under a fixed sort key. Last write wins; there is no
// cross-writer coordination.
type Store struct {
	api        dynamodbAPI
	tableName  string
	sessionKey string
	log        *slog.Logger
}

// New creates a Store bound to one session key.
func New(api dynamodbAPI, tableName, sessionKey string, log *slog.Logger) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(sessionKey) == "" {
		return nil, errors.New("repository: session key must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{api: api, tableName: tableName, sessionKey: sessionKey, log: log}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionKey string) string {
	return pkPrefixSession + sessionKey
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return timeNow().Add(ttlDuration).Unix()
}

// Load reads the state item for the session key. A missing item or a state
// attribute that fails to parse yields the empty default state.
func (s *Store) Load(ctx context.Context) (domain.SessionState, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(s.sessionKey)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionState{}, nil
	}

	raw, err := strAttr(out.Item, "state")
	if err != nil {
		s.log.Warn("session item has no usable state attribute, ignoring", "sessionKey", s.sessionKey, "err", err)
		return domain.SessionState{}, nil
	}
	var st domain.SessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		s.log.Warn("session state attribute is not valid session state, ignoring", "sessionKey", s.sessionKey, "err", err)
		return domain.SessionState{}, nil
	}
	return st, nil
}

// Save overwrites the state item, refreshing the last-write timestamp and TTL.
func (s *Store) Save(ctx context.Context, state domain.SessionState) error {
	state.Timestamp = timeNow().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("repository: Save marshal state: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: sessionPK(s.sessionKey)},
			"SK":         &types.AttributeValueMemberS{Value: skState},
			"sessionKey": &types.AttributeValueMemberS{Value: s.sessionKey},
			"state":      &types.AttributeValueMemberS{Value: string(raw)},
			"updatedAt":  &types.AttributeValueMemberS{Value: state.Timestamp.Format(time.RFC3339)},
			"ttl":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Save put item: %w", err)
	}
	return nil
}

// Clear removes the state item.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(s.sessionKey)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Clear delete item: %w", err)
	}
	return nil
}

// Factory builds Stores bound to session keys for the relay handler.
type Factory struct {
	api       dynamodbAPI
	tableName string
	log       *slog.Logger
}

func NewFactory(api dynamodbAPI, tableName string, log *slog.Logger) (*Factory, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{api: api, tableName: tableName, log: log}, nil
}

// ForSession returns the Store bound to the given session key.
func (f *Factory) ForSession(key string) *Store {
	return &Store{api: f.api, tableName: f.tableName, sessionKey: key, log: f.log}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
