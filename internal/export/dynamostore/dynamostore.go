// Package dynamostore keeps export records in a DynamoDB table.
//
// Table layout: partition key "pk" = "cmd#{commandID}", sort key "sk" =
// "exp#..." or "cmp#..." followed by agent, asset group and zero-padded page.
// Registrations live in one partition, pk = "reg", sort key "r#" + record time
// + command + status, so a restarted tracker reads them with one query.
// Writes are conditional on the key not existing, so replays are no-ops.
// "expires_at" carries a TTL so the table prunes itself after the window.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/export"
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Config struct {
	Table    string
	Region   string
	Endpoint string
}

const (
	prefixExpectation  = "exp#"
	prefixCompletion   = "cmp#"
	prefixRegistration = "r#"
	registrationPK     = "reg"
)

type record struct {
	PK             string `dynamodbav:"pk"`
	SK             string `dynamodbav:"sk"`
	CommandID      string `dynamodbav:"command_id"`
	AgentID        string `dynamodbav:"agent_id"`
	AssetGroupID   string `dynamodbav:"asset_group_id"`
	Page           int    `dynamodbav:"page"`
	Kind           int    `dynamodbav:"kind,omitempty"`
	Slice          int64  `dynamodbav:"slice,omitempty"`
	DestinationURI string `dynamodbav:"destination_uri,omitempty"`
	Status         string `dynamodbav:"status,omitempty"`
	Expected       int    `dynamodbav:"expected,omitempty"`
	Completed      int    `dynamodbav:"completed,omitempty"`
	StartedMs      int64  `dynamodbav:"started_ms,omitempty"`
	AtMs           int64  `dynamodbav:"at_ms"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
}

type Store struct {
	api    API
	table  string
	window time.Duration
}

// Open builds a client from the default AWS credential chain.
func Open(ctx context.Context, cfg Config, window time.Duration) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamostore: table is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table, window), nil
}

func New(api API, table string, window time.Duration) *Store {
	return &Store{api: api, table: table, window: window}
}

func partitionKey(commandID string) string { return "cmd#" + commandID }

func sortKey(prefix string, k export.Key) string {
	return fmt.Sprintf("%s%s#%s#%08d", prefix, k.AgentID, k.AssetGroupID, k.Page)
}

func (s *Store) put(ctx context.Context, r record) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return nil
	}
	return err
}

func (s *Store) PutExpectations(ctx context.Context, recs []export.Expectation) error {
	for _, e := range recs {
		err := s.put(ctx, record{
			PK:           partitionKey(e.CommandID),
			SK:           sortKey(prefixExpectation, e.Key),
			CommandID:    e.CommandID,
			AgentID:      e.Key.AgentID,
			AssetGroupID: e.Key.AssetGroupID,
			Page:         e.Key.Page,
			Kind:         int(e.Kind),
			Slice:        e.Slice,
			AtMs:         e.CreatedAt.UnixMilli(),
			ExpiresAt:    e.CreatedAt.Add(s.window).Unix(),
		})
		if err != nil {
			return fmt.Errorf("dynamostore: put expectation %s: %w", e.Key, err)
		}
	}
	return nil
}

func (s *Store) PutCompletion(ctx context.Context, c export.Completion) error {
	err := s.put(ctx, record{
		PK:             partitionKey(c.CommandID),
		SK:             sortKey(prefixCompletion, c.Key),
		CommandID:      c.CommandID,
		AgentID:        c.Key.AgentID,
		AssetGroupID:   c.Key.AssetGroupID,
		Page:           c.Key.Page,
		DestinationURI: c.DestinationURI,
		AtMs:           c.CompletedAt.UnixMilli(),
		ExpiresAt:      c.CompletedAt.Add(s.window).Unix(),
	})
	if err != nil {
		return fmt.Errorf("dynamostore: put completion %s: %w", c.Key, err)
	}
	return nil
}

func (s *Store) Expectations(ctx context.Context, commandID string, w export.Window) ([]export.Expectation, error) {
	recs, err := s.query(ctx, commandID, prefixExpectation, w)
	if err != nil {
		return nil, err
	}
	out := make([]export.Expectation, 0, len(recs))
	for _, r := range recs {
		out = append(out, export.Expectation{
			CommandID: r.CommandID,
			Key:       export.Key{AgentID: r.AgentID, AssetGroupID: r.AssetGroupID, Page: r.Page},
			Kind:      command.Kind(r.Kind),
			Slice:     r.Slice,
			CreatedAt: time.UnixMilli(r.AtMs).UTC(),
		})
	}
	return out, nil
}

func (s *Store) Completions(ctx context.Context, commandID string, w export.Window) ([]export.Completion, error) {
	recs, err := s.query(ctx, commandID, prefixCompletion, w)
	if err != nil {
		return nil, err
	}
	out := make([]export.Completion, 0, len(recs))
	for _, r := range recs {
		out = append(out, export.Completion{
			CommandID:      r.CommandID,
			Key:            export.Key{AgentID: r.AgentID, AssetGroupID: r.AssetGroupID, Page: r.Page},
			DestinationURI: r.DestinationURI,
			CompletedAt:    time.UnixMilli(r.AtMs).UTC(),
		})
	}
	return out, nil
}

func (s *Store) PutRegistration(ctx context.Context, r export.Registration) error {
	status, _ := r.Status.MarshalText()
	err := s.put(ctx, record{
		PK:        registrationPK,
		SK:        fmt.Sprintf("%s%013d#%s#%s", prefixRegistration, r.At.UnixMilli(), r.CommandID, status),
		CommandID: r.CommandID,
		Status:    string(status),
		Expected:  r.Expected,
		Completed: r.Completed,
		StartedMs: r.StartedAt.UnixMilli(),
		AtMs:      r.At.UnixMilli(),
		ExpiresAt: r.At.Add(s.window).Unix(),
	})
	if err != nil {
		return fmt.Errorf("dynamostore: put registration %s: %w", r.CommandID, err)
	}
	return nil
}

func (s *Store) Registrations(ctx context.Context, w export.Window) ([]export.Registration, error) {
	recs, err := s.queryPartition(ctx, registrationPK, prefixRegistration, w)
	if err != nil {
		return nil, err
	}
	out := make([]export.Registration, 0, len(recs))
	for _, r := range recs {
		var st export.Status
		if err := st.UnmarshalText([]byte(r.Status)); err != nil {
			return nil, fmt.Errorf("dynamostore: registration %s: %w", r.CommandID, err)
		}
		out = append(out, export.Registration{
			CommandID: r.CommandID,
			Status:    st,
			Expected:  r.Expected,
			Completed: r.Completed,
			StartedAt: time.UnixMilli(r.StartedMs).UTC(),
			At:        time.UnixMilli(r.AtMs).UTC(),
		})
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, commandID, prefix string, w export.Window) ([]record, error) {
	return s.queryPartition(ctx, partitionKey(commandID), prefix, w)
}

func (s *Store) queryPartition(ctx context.Context, pk, prefix string, w export.Window) ([]record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :pre)"),
		FilterExpression:       aws.String("at_ms BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: pk},
			":pre":  &types.AttributeValueMemberS{Value: prefix},
			":from": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", w.From.UnixMilli())},
			":to":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", w.To.UnixMilli())},
		},
	}
	var out []record
	for {
		res, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamostore: query %s: %w", pk, err)
		}
		var page []record
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
}
