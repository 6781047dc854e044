// Package mongostore persists monetization state in MongoDB. Uniqueness
// rules live in partial unique indexes and units of work run in session
// transactions, which require a replica set.
package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	mgo "github.com/dmitrymomot/promokit/pkg/mongo"
	"github.com/dmitrymomot/promokit/svc/monetization"
)

const (
	slotsID = "quota"

	orderIndex = "payments_provider_order_uidx"
	openIndex  = "payments_open_profile_uidx"
)

type slotsDoc struct {
	ID        string `bson:"_id"`
	Remaining int    `bson:"remaining"`
	Total     int    `bson:"total"`
}

type grantDoc struct {
	ProfileID string    `bson:"_id"`
	PaymentID string    `bson:"payment_id"`
	GrantedAt time.Time `bson:"granted_at"`
}

type paymentDoc struct {
	ID              string     `bson:"_id"`
	ProfileID       string     `bson:"profile_id"`
	Provider        string     `bson:"provider"`
	ProviderOrderID string     `bson:"provider_order_id,omitempty"`
	Amount          int64      `bson:"amount"`
	Currency        string     `bson:"currency"`
	PlanType        string     `bson:"plan_type"`
	Status          string     `bson:"status"`
	Open            bool       `bson:"open"`
	Renewal         bool       `bson:"renewal"`
	PeriodStart     *time.Time `bson:"period_start,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
	CapturedAt      *time.Time `bson:"captured_at,omitempty"`
}

func toPaymentDoc(rec *monetization.PaymentRecord) paymentDoc {
	return paymentDoc{
		ID:              rec.ID,
		ProfileID:       rec.ProfileID,
		Provider:        string(rec.Provider),
		ProviderOrderID: rec.ProviderOrderID,
		Amount:          rec.Amount,
		Currency:        rec.Currency,
		PlanType:        string(rec.PlanType),
		Status:          string(rec.Status),
		Open:            rec.Status.Open(),
		Renewal:         rec.Renewal,
		PeriodStart:     rec.PeriodStart,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		CapturedAt:      rec.CapturedAt,
	}
}

func (d paymentDoc) record() monetization.PaymentRecord {
	return monetization.PaymentRecord{
		ID:              d.ID,
		ProfileID:       d.ProfileID,
		Provider:        monetization.Provider(d.Provider),
		ProviderOrderID: d.ProviderOrderID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		PlanType:        monetization.PlanType(d.PlanType),
		Status:          monetization.Status(d.Status),
		Renewal:         d.Renewal,
		PeriodStart:     d.PeriodStart,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		CapturedAt:      d.CapturedAt,
	}
}

type profileDoc struct {
	ID              string     `bson:"_id"`
	IsPaid          bool       `bson:"is_paid"`
	IsActive        bool       `bson:"is_active"`
	PaidUntil       *time.Time `bson:"paid_until,omitempty"`
	PlanType        string     `bson:"plan_type,omitempty"`
	AutoRenewal     bool       `bson:"auto_renewal"`
	RenewalAttempts int        `bson:"renewal_attempts"`
	NextRenewalAt   *time.Time `bson:"next_renewal_at,omitempty"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

// Store implements monetization.Store on a MongoDB database.
type Store struct {
	client   *mongo.Client
	slots    *mongo.Collection
	grants   *mongo.Collection
	payments *mongo.Collection
	profiles *mongo.Collection
}

var _ monetization.Store = (*Store)(nil)

func New(client *mongo.Client, database string) *Store {
	if client == nil {
		panic("mongostore: client is required")
	}
	db := client.Database(database)
	return &Store{
		client:   client,
		slots:    db.Collection("free_slots"),
		grants:   db.Collection("free_grants"),
		payments: db.Collection("payments"),
		profiles: db.Collection("profiles"),
	}
}

// EnsureIndexes creates the indexes the store relies on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_order_id", Value: 1}},
			Options: options.Index().SetName(orderIndex).SetUnique(true).
				SetPartialFilterExpression(bson.M{"provider_order_id": bson.M{"$type": "string"}}),
		},
		{
			Keys: bson.D{{Key: "profile_id", Value: 1}},
			Options: options.Index().SetName(openIndex).SetUnique(true).
				SetPartialFilterExpression(bson.M{"open": true}),
		},
		{Keys: bson.D{{Key: "profile_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.profiles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "is_paid", Value: 1}, {Key: "auto_renewal", Value: 1}, {Key: "paid_until", Value: 1}},
	})
	return err
}

// SeedFreeSlots creates the quota document unless it already exists.
func (s *Store) SeedFreeSlots(ctx context.Context, total int) error {
	_, err := s.slots.UpdateOne(ctx,
		bson.M{"_id": slotsID},
		bson.M{"$setOnInsert": bson.M{"remaining": total, "total": total}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// Atomic runs fn in a session transaction. The session travels in the
// context, so every collection call fn makes joins it.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx monetization.Tx) error) error {
	return mgo.Transaction(ctx, s.client, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}

func (s *Store) FreeSlots(ctx context.Context) (monetization.FreeSlotCounter, error) {
	var doc slotsDoc
	err := s.slots.FindOne(ctx, bson.M{"_id": slotsID}).Decode(&doc)
	if mgo.IsNotFoundError(err) {
		return monetization.FreeSlotCounter{}, nil
	}
	if err != nil {
		return monetization.FreeSlotCounter{}, err
	}
	return monetization.FreeSlotCounter{Remaining: doc.Remaining, Total: doc.Total}, nil
}

func (s *Store) TakeFreeSlot(ctx context.Context) (bool, error) {
	res, err := s.slots.UpdateOne(ctx,
		bson.M{"_id": slotsID, "remaining": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"remaining": -1}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) ReturnFreeSlot(ctx context.Context) error {
	_, err := s.slots.UpdateOne(ctx,
		bson.M{"_id": slotsID, "$expr": bson.M{"$lt": bson.A{"$remaining", "$total"}}},
		bson.M{"$inc": bson.M{"remaining": 1}})
	return err
}

func (s *Store) ResetFreeSlots(ctx context.Context, total int) error {
	_, err := s.slots.UpdateOne(ctx,
		bson.M{"_id": slotsID},
		bson.M{"$set": bson.M{"remaining": total, "total": total}},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) HasFreeGrant(ctx context.Context, profileID string) (bool, error) {
	n, err := s.grants.CountDocuments(ctx, bson.M{"_id": profileID}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *Store) InsertFreeGrant(ctx context.Context, g monetization.FreeGrant) error {
	_, err := s.grants.InsertOne(ctx, grantDoc{ProfileID: g.ProfileID, PaymentID: g.PaymentID, GrantedAt: g.GrantedAt})
	if mgo.IsDuplicateKeyError(err) {
		return monetization.ErrAlreadyGranted
	}
	return err
}

func (s *Store) DeleteFreeGrant(ctx context.Context, profileID string) error {
	_, err := s.grants.DeleteOne(ctx, bson.M{"_id": profileID})
	return err
}

func (s *Store) InsertPayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	_, err := s.payments.InsertOne(ctx, toPaymentDoc(rec))
	return translate(err)
}

func (s *Store) UpdatePayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	res, err := s.payments.ReplaceOne(ctx, bson.M{"_id": rec.ID}, toPaymentDoc(rec))
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return monetization.ErrNotFound
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*monetization.PaymentRecord, error) {
	return s.findPayment(ctx, bson.M{"_id": id})
}

func (s *Store) FindPaymentByOrder(ctx context.Context, provider monetization.Provider, externalID string) (*monetization.PaymentRecord, error) {
	if externalID == "" {
		return nil, monetization.ErrNotFound
	}
	return s.findPayment(ctx, bson.M{"provider": string(provider), "provider_order_id": externalID})
}

func (s *Store) HasOpenPayment(ctx context.Context, profileID string) (bool, error) {
	n, err := s.payments.CountDocuments(ctx, bson.M{"profile_id": profileID, "open": true}, options.Count().SetLimit(1))
	return n > 0, err
}

func (s *Store) LatestCaptured(ctx context.Context, profileID string) (*monetization.PaymentRecord, error) {
	return s.findPayment(ctx,
		bson.M{"profile_id": profileID, "status": string(monetization.StatusCaptured)},
		options.FindOne().SetSort(bson.D{{Key: "captured_at", Value: -1}, {Key: "created_at", Value: -1}}))
}

func (s *Store) ListPayments(ctx context.Context, profileID string) ([]monetization.PaymentRecord, error) {
	return s.findPayments(ctx,
		bson.M{"profile_id": profileID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
}

func (s *Store) StalePending(ctx context.Context, before time.Time, limit int) ([]monetization.PaymentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findPayments(ctx, bson.M{
		"status":            string(monetization.StatusPending),
		"provider_order_id": bson.M{"$exists": false},
		"created_at":        bson.M{"$lt": before},
	}, opts)
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*monetization.Profile, error) {
	var doc profileDoc
	if err := s.profiles.FindOne(ctx, bson.M{"_id": profileID}).Decode(&doc); err != nil {
		return nil, translate(err)
	}
	p := &monetization.Profile{
		ID:              doc.ID,
		IsPaid:          doc.IsPaid,
		IsActive:        doc.IsActive,
		PaidUntil:       doc.PaidUntil,
		AutoRenewal:     doc.AutoRenewal,
		RenewalAttempts: doc.RenewalAttempts,
		NextRenewalAt:   doc.NextRenewalAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if doc.PlanType != "" {
		pt := monetization.PlanType(doc.PlanType)
		p.PlanType = &pt
	}
	return p, nil
}

func (s *Store) SaveProfile(ctx context.Context, p *monetization.Profile) error {
	doc := profileDoc{
		ID:              p.ID,
		IsPaid:          p.IsPaid,
		IsActive:        p.IsActive,
		PaidUntil:       p.PaidUntil,
		AutoRenewal:     p.AutoRenewal,
		RenewalAttempts: p.RenewalAttempts,
		NextRenewalAt:   p.NextRenewalAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.PlanType != nil {
		doc.PlanType = string(*p.PlanType)
	}
	_, err := s.profiles.ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) DueProfiles(ctx context.Context, now time.Time, autoRenewal bool, limit int) ([]string, error) {
	filter := bson.M{
		"is_paid":      true,
		"auto_renewal": autoRenewal,
		"paid_until":   bson.M{"$lt": now},
	}
	if autoRenewal {
		filter["$or"] = bson.A{
			bson.M{"next_renewal_at": bson.M{"$exists": false}},
			bson.M{"next_renewal_at": bson.M{"$lte": now}},
		}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "paid_until", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.profiles.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *Store) findPayment(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*monetization.PaymentRecord, error) {
	var doc paymentDoc
	if err := s.payments.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		return nil, translate(err)
	}
	rec := doc.record()
	return &rec, nil
}

func (s *Store) findPayments(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]monetization.PaymentRecord, error) {
	cur, err := s.payments.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var docs []paymentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]monetization.PaymentRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

// translate maps driver errors onto the service sentinels. Duplicate key
// errors are told apart by the index name the server reports.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case mgo.IsNotFoundError(err):
		return monetization.ErrNotFound
	case mgo.IsDuplicateKeyError(err):
		msg := err.Error()
		switch {
		case strings.Contains(msg, orderIndex):
			return monetization.ErrDuplicateOrder
		case strings.Contains(msg, openIndex):
			return monetization.ErrConflict
		}
	}
	return err
}
