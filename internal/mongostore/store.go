// Package mongostore implements the round store and ledger on MongoDB.
// Placement and settlement run in multi-document transactions, so the
// deployment must be a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"lottery7/internal/model"
)

// ErrRoundConflict is returned when a round would duplicate a period or
// open while another round is still open.
var ErrRoundConflict = errors.New("round conflicts with an existing round")

type Store struct {
	client  *mongo.Client
	rounds  *mongo.Collection
	wagers  *mongo.Collection
	wallets *mongo.Collection
	ledger  *mongo.Collection
	log     *zap.Logger
}

type walletDoc struct {
	UserID    string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func Open(ctx context.Context, uri, database string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetTimeout(30 * time.Second).
		SetConnectTimeout(30 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:  client,
		rounds:  db.Collection("rounds"),
		wagers:  db.Collection("wagers"),
		wallets: db.Collection("wallets"),
		ledger:  db.Collection("ledger_entries"),
		log:     log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log.Info("connected to mongodb", zap.String("database", database))
	return s, nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.rounds.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "period", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "period", Value: -1}}},
		// at most one open round
		{
			Keys: bson.D{{Key: "status", Value: 1}},
			Options: options.Index().
				SetName("rounds_one_open").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": model.RoundOpen}),
		},
	}); err != nil {
		return fmt.Errorf("rounds indexes: %w", err)
	}
	if _, err := s.wagers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "round_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("wagers indexes: %w", err)
	}
	if _, err := s.ledger.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("ledger indexes: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction on a fresh session.
func (s *Store) inTx(ctx context.Context, fn func(sc mongo.SessionContext) (any, error)) (any, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)
	return sess.WithTransaction(ctx, fn)
}

// ── Ledger ───────────────────────────────────────────

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var w walletDoc
	err := s.wallets.FindOne(ctx, bson.M{"_id": userID}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	return w.Balance, err
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	return s.credit(ctx, userID, amount)
}

func (s *Store) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	return s.debit(ctx, userID, amount)
}

func (s *Store) debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit: negative amount %d", amount)
	}
	var w walletDoc
	err := s.wallets.FindOneAndUpdate(ctx,
		bson.M{"_id": userID, "balance": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"balance": -amount}, "$set": bson.M{"updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, model.ErrInsufficientBalance
	}
	return w.Balance, err
}

func (s *Store) credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit: negative amount %d", amount)
	}
	var w walletDoc
	err := s.wallets.FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"balance": amount}, "$set": bson.M{"updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true),
	).Decode(&w)
	return w.Balance, err
}

func (s *Store) appendEntry(ctx context.Context, userID, wagerID string, kind model.LedgerKind, amount, balance int64) error {
	_, err := s.ledger.InsertOne(ctx, model.LedgerEntry{
		ID: uuid.New().String(), UserID: userID, WagerID: wagerID,
		Kind: kind, Amount: amount, BalanceAfter: balance, CreatedAt: time.Now(),
	})
	return err
}

// ── Rounds ───────────────────────────────────────────

func (s *Store) NextPeriod(ctx context.Context) (int64, error) {
	var r model.Round
	err := s.rounds.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "period", Value: -1}}).SetProjection(bson.M{"period": 1}),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return r.Period + 1, nil
}

// CreateRound inserts a round. A second open round violates the
// rounds_one_open index and is refused.
func (s *Store) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.rounds.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("create round %d: %w", r.Period, ErrRoundConflict)
	}
	return err
}

func (s *Store) LatestOpenRound(ctx context.Context) (*model.Round, error) {
	var r model.Round
	err := s.rounds.FindOne(ctx, bson.M{"status": model.RoundOpen},
		options.FindOne().SetSort(bson.D{{Key: "period", Value: -1}}),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CloseRound(ctx context.Context, roundID string, o model.Outcome) (model.Outcome, error) {
	res, err := s.rounds.UpdateOne(ctx,
		bson.M{"_id": roundID, "status": model.RoundOpen},
		bson.M{"$set": bson.M{"status": model.RoundClosed, "outcome": o, "closed_at": time.Now()}},
	)
	if err != nil {
		return model.Outcome{}, err
	}
	if res.MatchedCount == 1 {
		return o, nil
	}
	var r model.Round
	err = s.rounds.FindOne(ctx, bson.M{"_id": roundID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Outcome{}, model.ErrNotFound
	}
	if err != nil {
		return model.Outcome{}, err
	}
	if r.Outcome == nil {
		return model.Outcome{}, fmt.Errorf("round %s is %s and has no outcome", roundID, r.Status)
	}
	return *r.Outcome, nil
}

func (s *Store) ClosedRoundsWithPending(ctx context.Context) ([]model.Round, error) {
	ids, err := s.wagers.Distinct(ctx, "round_id", bson.M{"status": model.WagerPending})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Round{}, nil
	}
	cur, err := s.rounds.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": model.RoundClosed},
		options.Find().SetSort(bson.D{{Key: "period", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	out := []model.Round{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RoundHistory(ctx context.Context, limit int) ([]model.Round, error) {
	cur, err := s.rounds.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "period", Value: -1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	out := []model.Round{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// updateRoundCounters bumps the embedded stats of an open round.
func (s *Store) updateRoundCounters(ctx context.Context, roundID string, cat model.Category, value string, amount int64) error {
	var bucket string
	switch cat {
	case model.CategoryColor:
		bucket = "stats.colors." + value
	case model.CategorySize:
		bucket = "stats.sizes." + value
	case model.CategoryNumber:
		bucket = "stats.numbers." + value
	default:
		return fmt.Errorf("unknown category %q", cat)
	}
	res, err := s.rounds.UpdateOne(ctx,
		bson.M{"_id": roundID, "status": model.RoundOpen},
		bson.M{"$inc": bson.M{
			"stats.total_wagers": 1,
			"stats.total_amount": amount,
			bucket + ".count":    1,
			bucket + ".amount":   amount,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("round %s is not open", roundID)
	}
	return nil
}

// ── Wagers ───────────────────────────────────────────

func (s *Store) PlaceWager(ctx context.Context, w *model.Wager) (int64, error) {
	res, err := s.inTx(ctx, func(sc mongo.SessionContext) (any, error) {
		balance, err := s.debit(sc, w.UserID, w.Amount)
		if err != nil {
			return nil, err
		}
		if _, err := s.wagers.InsertOne(sc, w); err != nil {
			return nil, fmt.Errorf("insert wager: %w", err)
		}
		if err := s.updateRoundCounters(sc, w.RoundID, w.Category, w.Value, w.Amount); err != nil {
			return nil, fmt.Errorf("round counters: %w", err)
		}
		if err := s.appendEntry(sc, w.UserID, w.ID, model.LedgerBet, -w.Amount, balance); err != nil {
			return nil, fmt.Errorf("ledger entry: %w", err)
		}
		return balance, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (s *Store) FindPendingWagers(ctx context.Context, roundID string) ([]model.Wager, error) {
	cur, err := s.wagers.Find(ctx,
		bson.M{"round_id": roundID, "status": model.WagerPending},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	out := []model.Wager{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveWagerResult(ctx context.Context, wagerID string, status model.WagerStatus, payout int64) (bool, error) {
	res, err := s.inTx(ctx, func(sc mongo.SessionContext) (any, error) {
		var w model.Wager
		err := s.wagers.FindOneAndUpdate(sc,
			bson.M{"_id": wagerID, "status": model.WagerPending},
			bson.M{"$set": bson.M{"status": status, "payout": payout, "settled_at": time.Now()}},
		).Decode(&w)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if status == model.WagerWon && payout > 0 {
			balance, err := s.credit(sc, w.UserID, payout)
			if err != nil {
				return nil, fmt.Errorf("credit payout: %w", err)
			}
			if err := s.appendEntry(sc, w.UserID, w.ID, model.LedgerPayout, payout, balance); err != nil {
				return nil, fmt.Errorf("ledger entry: %w", err)
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *Store) UserWagerHistory(ctx context.Context, userID string, limit, page int) ([]model.Wager, error) {
	cur, err := s.wagers.Find(ctx, bson.M{"user_id": userID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(int64((page-1)*limit)).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	out := []model.Wager{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
