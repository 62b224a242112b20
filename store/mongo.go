package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/sdc"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collSDC             = "sdc_codes"
	collReviews         = "reviews"
	collReconciliations = "reconciliation_records"

	indexOrderProduct = "order_product_unique"
	indexReviewDigest = "sdc_digest_unique"
)

// MongoStore implementa Store sobre MongoDB. O claim usa FindOneAndUpdate
// com filtro condicional, atômico por documento.
type MongoStore struct {
	client          *mongo.Client
	codes           *mongo.Collection
	reviews         *mongo.Collection
	reconciliations *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// ConnectMongo conecta, valida e prepara os índices.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := NewMongoStore(client, database)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	log.Info().Str("database", database).Msg("✅ Connected to sdc mongo database")
	return s, nil
}

// NewMongoStore cria uma nova instância de MongoStore
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:          client,
		codes:           db.Collection(collSDC),
		reviews:         db.Collection(collReviews),
		reconciliations: db.Collection(collReconciliations),
	}
}

// EnsureIndexes cria os índices únicos e de consulta.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.codes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "product_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(indexOrderProduct),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "product_id", Value: 1}}},
		{Keys: bson.D{{Key: "is_registered", Value: 1}, {Key: "issued_at", Value: 1}}},
		{Keys: bson.D{{Key: "is_used", Value: 1}, {Key: "review_ref", Value: 1}, {Key: "claimed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating sdc indexes: %w", err)
	}

	_, err = s.reviews.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sdc_digest", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(indexReviewDigest),
		},
		{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating review indexes: %w", err)
	}

	_, err = s.reconciliations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating reconciliation indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) findSDC(ctx context.Context, filter bson.M) (*sdc.SecureDigitalCode, error) {
	var c sdc.SecureDigitalCode
	err := s.codes.FindOne(ctx, filter).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, sdc.ErrSDCNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: finding sdc: %w", err)
	}
	return &c, nil
}

func (s *MongoStore) findSDCs(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*sdc.SecureDigitalCode, error) {
	cur, err := s.codes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("repository: listing sdcs: %w", err)
	}
	var out []*sdc.SecureDigitalCode
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("repository: decoding sdcs: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Issue(ctx context.Context, c *sdc.SecureDigitalCode) error {
	_, err := s.codes.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), indexOrderProduct) {
			return sdc.ErrDuplicateIssuance
		}
		return sdc.ErrDigestCollision
	}
	if err != nil {
		return fmt.Errorf("repository: issuing sdc: %w", err)
	}
	return nil
}

func (s *MongoStore) ClaimForRedemption(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	now := time.Now().UTC()
	var c sdc.SecureDigitalCode
	err := s.codes.FindOneAndUpdate(ctx,
		bson.M{"_id": digest, "is_used": false, "is_registered": true},
		bson.M{"$set": bson.M{
			"is_used":     true,
			"claim_token": uuid.NewString(),
			"claimed_at":  now,
			"updated_at":  now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("repository: claiming sdc: %w", err)
	}

	current, err := s.Lookup(ctx, digest)
	if err != nil {
		return nil, err
	}
	return nil, classifyUnclaimable(current)
}

func (s *MongoStore) ReleaseClaim(ctx context.Context, digest, claimToken string) error {
	res, err := s.codes.UpdateOne(ctx,
		bson.M{"_id": digest, "is_used": true, "claim_token": claimToken, "review_ref": ""},
		bson.M{
			"$set":   bson.M{"is_used": false, "claim_token": "", "updated_at": time.Now().UTC()},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("repository: releasing claim: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	current, err := s.Lookup(ctx, digest)
	if err != nil {
		return err
	}
	if !current.IsUsed {
		return nil
	}
	return sdc.ErrClaimNotHeld
}

func (s *MongoStore) MarkRegistered(ctx context.Context, digest, ledgerTxRef string) error {
	now := time.Now().UTC()
	res, err := s.codes.UpdateOne(ctx,
		bson.M{"_id": digest, "is_registered": false},
		bson.M{"$set": bson.M{
			"is_registered":           true,
			"ledger_tx_ref":           ledgerTxRef,
			"registered_at":           now,
			"last_registration_error": "",
			"updated_at":              now,
		}},
	)
	if err != nil {
		return fmt.Errorf("repository: marking registered: %w", err)
	}
	if res.MatchedCount == 0 {
		_, err := s.Lookup(ctx, digest)
		return err
	}
	return nil
}

func (s *MongoStore) DiscardUnregistered(ctx context.Context, digest string) error {
	res, err := s.codes.DeleteOne(ctx, bson.M{"_id": digest, "is_registered": false, "is_used": false})
	if err != nil {
		return fmt.Errorf("repository: discarding sdc: %w", err)
	}
	if res.DeletedCount == 1 {
		return nil
	}

	current, err := s.Lookup(ctx, digest)
	if errors.Is(err, sdc.ErrSDCNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.IsRegisteredOnLedger {
		return sdc.ErrAlreadyRegistered
	}
	return sdc.ErrAlreadyUsed
}

func (s *MongoStore) MarkReviewAttached(ctx context.Context, digest, reviewRef string) error {
	now := time.Now().UTC()
	res, err := s.codes.UpdateOne(ctx,
		bson.M{"_id": digest, "review_ref": ""},
		bson.A{bson.M{"$set": bson.M{
			"is_used":     true,
			"review_ref":  reviewRef,
			"claim_token": "",
			"used_at":     bson.M{"$ifNull": bson.A{"$used_at", now}},
			"updated_at":  now,
		}}},
	)
	if err != nil {
		return fmt.Errorf("repository: attaching review: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	current, err := s.Lookup(ctx, digest)
	if err != nil {
		return err
	}
	if current.ReviewRef == reviewRef {
		return nil
	}
	return sdc.ErrAlreadyUsed
}

func (s *MongoStore) RecordRegistrationAttempt(ctx context.Context, digest, lastErr string) (int, error) {
	var c sdc.SecureDigitalCode
	err := s.codes.FindOneAndUpdate(ctx,
		bson.M{"_id": digest},
		bson.M{
			"$inc": bson.M{"registration_attempts": 1},
			"$set": bson.M{"last_registration_error": lastErr, "updated_at": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, sdc.ErrSDCNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("repository: recording registration attempt: %w", err)
	}
	return c.RegistrationAttempts, nil
}

func (s *MongoStore) Lookup(ctx context.Context, digest string) (*sdc.SecureDigitalCode, error) {
	return s.findSDC(ctx, bson.M{"_id": digest})
}

func (s *MongoStore) LookupByOrderProduct(ctx context.Context, orderID, productID string) (*sdc.SecureDigitalCode, error) {
	return s.findSDC(ctx, bson.M{"order_id": orderID, "product_id": productID})
}

func (s *MongoStore) ListForUserProduct(ctx context.Context, userID, productID string) ([]*sdc.SecureDigitalCode, error) {
	return s.findSDCs(ctx,
		bson.M{"user_id": userID, "product_id": productID},
		options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}}))
}

func (s *MongoStore) ListUnregistered(ctx context.Context, issuedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	return s.findSDCs(ctx,
		bson.M{"is_registered": false, "issued_at": bson.M{"$lt": issuedBefore}},
		options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}}).SetLimit(int64(limit)))
}

func (s *MongoStore) ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*sdc.SecureDigitalCode, error) {
	return s.findSDCs(ctx,
		bson.M{"is_used": true, "review_ref": "", "claimed_at": bson.M{"$lt": claimedBefore}},
		options.Find().SetSort(bson.D{{Key: "claimed_at", Value: 1}}).SetLimit(int64(limit)))
}

func (s *MongoStore) CreateReview(ctx context.Context, r *sdc.Review) error {
	_, err := s.reviews.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		existing, lookupErr := s.GetReviewByDigest(ctx, r.SDCDigest)
		if lookupErr == nil && existing.ID == r.ID {
			log.Info().Str("review_id", r.ID).Msg("ℹ️ [IDEMPOTENCY] review already stored")
			return nil
		}
		return sdc.ErrReviewExists
	}
	if err != nil {
		return fmt.Errorf("repository: creating review: %w", err)
	}
	return nil
}

// CommitReview grava a review e anexa ao SDC. Sem transação multi-documento:
// ambos os passos são idempotentes e a repetição completa um commit parcial.
func (s *MongoStore) CommitReview(ctx context.Context, r *sdc.Review) error {
	current, err := s.Lookup(ctx, r.SDCDigest)
	if err != nil {
		return err
	}
	if current.ReviewRef != "" && current.ReviewRef != r.ID {
		return sdc.ErrAlreadyUsed
	}
	if err := s.CreateReview(ctx, r); err != nil {
		return err
	}
	return s.MarkReviewAttached(ctx, r.SDCDigest, r.ID)
}

func (s *MongoStore) GetReviewByDigest(ctx context.Context, digest string) (*sdc.Review, error) {
	var r sdc.Review
	err := s.reviews.FindOne(ctx, bson.M{"sdc_digest": digest}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, sdc.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: finding review: %w", err)
	}
	return &r, nil
}

func (s *MongoStore) ListReviewsByProduct(ctx context.Context, productID string, limit, offset int) ([]*sdc.Review, error) {
	cur, err := s.reviews.Find(ctx,
		bson.M{"product_id": productID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("repository: listing reviews: %w", err)
	}
	var out []*sdc.Review
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("repository: decoding reviews: %w", err)
	}
	return out, nil
}

func (s *MongoStore) CountReviewsByProduct(ctx context.Context, productID string) (int, error) {
	n, err := s.reviews.CountDocuments(ctx, bson.M{"product_id": productID})
	return int(n), err
}

func (s *MongoStore) RecordReconciliation(ctx context.Context, rec *sdc.ReconciliationRecord) error {
	_, err := s.reconciliations.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: recording reconciliation: %w", err)
	}
	return nil
}

func (s *MongoStore) ListOpenReconciliations(ctx context.Context, limit int) ([]*sdc.ReconciliationRecord, error) {
	cur, err := s.reconciliations.Find(ctx,
		bson.M{"status": sdc.ReconciliationOpen},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("repository: listing reconciliations: %w", err)
	}
	var out []*sdc.ReconciliationRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("repository: decoding reconciliations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) ResolveReconciliation(ctx context.Context, id, resolution string) error {
	now := time.Now().UTC()
	res, err := s.reconciliations.UpdateOne(ctx,
		bson.M{"_id": id, "status": sdc.ReconciliationOpen},
		bson.M{"$set": bson.M{"status": sdc.ReconciliationResolved, "resolution": resolution, "resolved_at": now}},
	)
	if err != nil {
		return fmt.Errorf("repository: resolving reconciliation: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.reconciliations.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return sdc.ErrReconciliationNotFound
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
