// Package mirror replicates the encrypted vault document to DynamoDB so a
// second install of the same user can pull it. Only ciphertext leaves the
// machine; the master key never does.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/ledgerly/ledgerly/internal/storage"
)

const vaultSortKey = "VAULT"

var (
	// ErrNotFound is returned when no document exists remotely
	ErrNotFound = errors.New("vault not found in mirror")
	// ErrVersionConflict is returned when the remote document changed since
	// it was last read, or local and remote diverged at the same version
	ErrVersionConflict = errors.New("version conflict: remote vault has been updated")
)

// Client is the subset of the DynamoDB API used by the mirror
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Item is the DynamoDB representation of a mirrored document
type Item struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	VaultBlob  string `dynamodbav:"vault_blob"` // JSON of storage.EncryptedVault
	Version    int64  `dynamodbav:"version"`
	ModifiedAt string `dynamodbav:"modified_at"`
	DeviceID   string `dynamodbav:"device_id"`
}

// Options configures NewDynamoDBMirror
type Options struct {
	Table  string
	UserID string
	Region string
	Logger logrus.FieldLogger
}

// DynamoDBMirror pushes and pulls the vault document
type DynamoDBMirror struct {
	client Client
	table  string
	userID string
	log    logrus.FieldLogger
}

// NewDynamoDBMirror builds a mirror from the default AWS credential chain
func NewDynamoDBMirror(ctx context.Context, opts Options) (*DynamoDBMirror, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), opts.Table, opts.UserID, opts.Logger), nil
}

// New creates a mirror over an existing client
func New(client Client, table, userID string, logger logrus.FieldLogger) *DynamoDBMirror {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DynamoDBMirror{
		client: client,
		table:  table,
		userID: userID,
		log:    logger.WithFields(logrus.Fields{"component": "mirror", "table": table}),
	}
}

// DeviceID identifies the writing machine in mirrored items
func DeviceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func (m *DynamoDBMirror) partitionKey() string {
	return "USER#" + m.userID
}

// Push writes doc if the remote version still equals expectedVersion. An
// expectedVersion of 0 also succeeds when nothing exists remotely.
func (m *DynamoDBMirror) Push(ctx context.Context, doc *storage.EncryptedVault, expectedVersion int64) error {
	blob, err := doc.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize vault: %w", err)
	}

	av, err := attributevalue.MarshalMap(Item{
		PK:         m.partitionKey(),
		SK:         vaultSortKey,
		VaultBlob:  string(blob),
		Version:    doc.Version,
		ModifiedAt: doc.ModifiedAt,
		DeviceID:   DeviceID(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(m.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(version) OR version = :expectedVersion"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expectedVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to save vault: %w", err)
	}

	m.log.WithField("version", doc.Version).Info("pushed vault document")
	return nil
}

// Pull reads the remote document
func (m *DynamoDBMirror) Pull(ctx context.Context) (*storage.EncryptedVault, error) {
	result, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(m.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: m.partitionKey()},
			"SK": &types.AttributeValueMemberS{Value: vaultSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get vault from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var item Item
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	doc, err := storage.EncryptedVaultFromJSON([]byte(item.VaultBlob))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault blob: %w", err)
	}
	return doc, nil
}

// Action is what Sync did
type Action string

const (
	ActionPushed   Action = "pushed"
	ActionPulled   Action = "pulled"
	ActionUpToDate Action = "up_to_date"
)

// SyncResult carries the document both sides now agree on
type SyncResult struct {
	Action   Action
	Document *storage.EncryptedVault
}

// Sync reconciles local with the remote document by version. local may be
// nil when nothing has been written locally. A pulled document is returned,
// not installed; the caller replaces the local vault with it.
func (m *DynamoDBMirror) Sync(ctx context.Context, local *storage.EncryptedVault) (*SyncResult, error) {
	remote, err := m.Pull(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	switch {
	case remote == nil && local == nil:
		return nil, ErrNotFound

	case remote == nil:
		if err := m.Push(ctx, local, 0); err != nil {
			return nil, err
		}
		return &SyncResult{Action: ActionPushed, Document: local}, nil

	case local == nil || remote.Version > local.Version:
		m.log.WithField("version", remote.Version).Info("remote vault is newer")
		return &SyncResult{Action: ActionPulled, Document: remote}, nil

	case local.Version > remote.Version:
		if err := m.Push(ctx, local, remote.Version); err != nil {
			return nil, err
		}
		return &SyncResult{Action: ActionPushed, Document: local}, nil

	case local.Nonce == remote.Nonce && local.Ciphertext == remote.Ciphertext:
		return &SyncResult{Action: ActionUpToDate, Document: local}, nil

	default:
		// Same version, different contents: both sides wrote independently.
		m.log.WithField("version", local.Version).Warn("local and remote vaults diverged")
		return nil, ErrVersionConflict
	}
}
