package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/log"
)

// DefaultFirestoreCollection holds one document per client id
const DefaultFirestoreCollection = "quire_mcp_upstream_tokens"

// FirestoreUpstreamTokenCache stores upstream tokens in Firestore with the token
// values sealed by an Encryptor. Reads return errors; callers of Save log and continue.
type FirestoreUpstreamTokenCache struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
	now        func() time.Time
}

var _ UpstreamTokenCache = (*FirestoreUpstreamTokenCache)(nil)

// upstreamTokenDoc is the Firestore document layout
type upstreamTokenDoc struct {
	GrantID      string    `firestore:"grant_id"`
	ClientID     string    `firestore:"client_id"`
	AccessToken  string    `firestore:"access_token"`            // encrypted
	RefreshToken string    `firestore:"refresh_token,omitempty"` // encrypted
	TokenType    string    `firestore:"token_type,omitempty"`
	Expiry       time.Time `firestore:"expiry,omitempty"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// NewFirestoreUpstreamTokenCache connects to Firestore. database may be empty or
// "(default)" for the default database.
func NewFirestoreUpstreamTokenCache(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor, opts ...option.ClientOption) (*FirestoreUpstreamTokenCache, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		collection = DefaultFirestoreCollection
	}

	var client *firestore.Client
	var err error
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database, opts...)
	} else {
		client, err = firestore.NewClient(ctx, projectID, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("token_cache", "Firestore upstream token cache ready", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreUpstreamTokenCache{
		client:     client,
		collection: collection,
		encryptor:  encryptor,
		now:        time.Now,
	}, nil
}

func (c *FirestoreUpstreamTokenCache) SaveUpstreamToken(ctx context.Context, token UpstreamToken) error {
	if token.GrantID == "" {
		return fmt.Errorf("grant id is required")
	}

	access, err := c.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	doc := upstreamTokenDoc{
		GrantID:     token.GrantID,
		ClientID:    token.ClientID,
		AccessToken: access,
		TokenType:   token.TokenType,
		Expiry:      token.Expiry,
		UpdatedAt:   token.UpdatedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = c.now()
	}
	if token.RefreshToken != "" {
		refresh, err := c.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		doc.RefreshToken = refresh
	}

	if _, err := c.client.Collection(c.collection).Doc(token.GrantID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store upstream token in Firestore: %w", err)
	}
	return nil
}

func (c *FirestoreUpstreamTokenCache) LoadUpstreamToken(ctx context.Context, grantID string) (*UpstreamToken, error) {
	snap, err := c.client.Collection(c.collection).Doc(grantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrUpstreamTokenNotFound
		}
		return nil, fmt.Errorf("failed to get upstream token from Firestore: %w", err)
	}

	var doc upstreamTokenDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upstream token: %w", err)
	}

	access, err := c.encryptor.Decrypt(doc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	token := &UpstreamToken{
		GrantID:     doc.GrantID,
		ClientID:    doc.ClientID,
		AccessToken: access,
		TokenType:   doc.TokenType,
		Expiry:      doc.Expiry,
		UpdatedAt:   doc.UpdatedAt,
	}
	if doc.RefreshToken != "" {
		refresh, err := c.encryptor.Decrypt(doc.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

// Cleanup deletes documents not refreshed within RefreshTokenTTL
func (c *FirestoreUpstreamTokenCache) Cleanup(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-RefreshTokenTTL)
	iter := c.client.Collection(c.collection).Where("updated_at", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("error iterating Firestore documents: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			log.LogWarnWithFields("token_cache", "Failed to delete stale upstream token", map[string]any{
				"grant_id": snap.Ref.ID,
				"error":    err.Error(),
			})
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *FirestoreUpstreamTokenCache) Close() error {
	return c.client.Close()
}
