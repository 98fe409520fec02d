package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hookrelay/hookrelay/internal/service"
)

type webhookEventRepository struct {
	coll *mongo.Collection
}

func NewWebhookEventRepository(db *mongo.Database) service.WebhookEventRepository {
	return &webhookEventRepository{coll: db.Collection(webhookEventsCollection)}
}

func (r *webhookEventRepository) Insert(ctx context.Context, event *service.WebhookEvent) error {
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	_, err := r.coll.InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		return service.ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *webhookEventRepository) GetByIdempotencyKey(ctx context.Context, key string) (*service.WebhookEvent, error) {
	var event service.WebhookEvent
	err := r.coll.FindOne(ctx, bson.M{"idempotency_key": key}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, service.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Claim atomically leases an eligible event. It returns nil when the event
// is terminal, not yet due, or already leased, which is how duplicate queue
// entries get dropped.
func (r *webhookEventRepository) Claim(ctx context.Context, id primitive.ObjectID, now time.Time, lease time.Duration) (*service.WebhookEvent, error) {
	filter := bson.M{
		"_id":           id,
		"status":        bson.M{"$in": bson.A{service.StatusReceived, service.StatusFailedTemporarily}},
		"next_retry_at": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"locked_until": nil},
			bson.M{"locked_until": bson.M{"$lte": now}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_until": now.Add(lease)}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "locked_until", Value: 1}, {Key: "received_at", Value: 1}}).
		SetReturnDocument(options.After)

	var event service.WebhookEvent
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) MarkDeliveryStatus(ctx context.Context, id primitive.ObjectID, entry service.DeliveryLog, status string, nextRetryAt *time.Time, attemptCount int) error {
	update := bson.M{
		"$set": bson.M{
			"status":        status,
			"locked_until":  nil,
			"next_retry_at": nextRetryAt,
			"attempt_count": attemptCount,
		},
		"$push": bson.M{"delivery_logs": entry},
	}
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	return err
}

func (r *webhookEventRepository) Search(ctx context.Context, filter service.EventFilter, page service.Pagination) (*service.SearchResult, error) {
	query := buildEventFilter(filter)

	total, err := r.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find().
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.PageSize))
	cur, err := r.coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, err
	}
	events := make([]service.WebhookEvent, 0, page.PageSize)
	if err := cur.All(ctx, &events); err != nil {
		return nil, err
	}

	aggregates, err := r.aggregateFiltered(ctx, query)
	if err != nil {
		return nil, err
	}

	return &service.SearchResult{
		TotalCount: total,
		Events:     events,
		Aggregates: *aggregates,
	}, nil
}

func (r *webhookEventRepository) ListDueEventIDs(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	filter := bson.M{
		"status":        bson.M{"$in": bson.A{service.StatusReceived, service.StatusFailedTemporarily}},
		"next_retry_at": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"locked_until": nil},
			bson.M{"locked_until": bson.M{"$lte": now}},
		},
	}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "next_retry_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID.Hex())
	}
	return ids, cur.Err()
}

func buildEventFilter(filter service.EventFilter) bson.M {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.EventType != "" {
		query["event_type"] = filter.EventType
	}
	if filter.TimestampFrom != nil || filter.TimestampTo != nil {
		span := bson.M{}
		if filter.TimestampFrom != nil {
			span["$gte"] = *filter.TimestampFrom
		}
		if filter.TimestampTo != nil {
			span["$lte"] = *filter.TimestampTo
		}
		query["received_at"] = span
	}
	return query
}

type facetRow struct {
	CountByStatus    []service.AggregateBucket `bson:"count_by_status"`
	CountByEventType []service.AggregateBucket `bson:"count_by_event_type"`
	HourlyHistogram  []histogramBucket         `bson:"hourly_histogram"`
}

type histogramBucket struct {
	ID    primitive.DateTime `bson:"_id"`
	Count int64              `bson:"count"`
}

func (r *webhookEventRepository) aggregateFiltered(ctx context.Context, query bson.M) (*service.EventAggregates, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: query}},
		bson.D{{Key: "$facet", Value: bson.M{
			"count_by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
			},
			"count_by_event_type": bson.A{
				bson.M{"$group": bson.M{"_id": "$event_type", "count": bson.M{"$sum": 1}}},
			},
			"hourly_histogram": bson.A{
				bson.M{"$group": bson.M{
					"_id":   bson.M{"$dateTrunc": bson.M{"date": "$received_at", "unit": "hour"}},
					"count": bson.M{"$sum": 1},
				}},
				bson.M{"$sort": bson.M{"_id": 1}},
			},
		}}},
	}

	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []facetRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	out := &service.EventAggregates{
		CountByStatus:    []service.AggregateBucket{},
		CountByEventType: []service.AggregateBucket{},
		HourlyHistogram:  []service.AggregateBucket{},
	}
	if len(rows) == 0 {
		return out, nil
	}
	row := rows[0]
	if len(row.CountByStatus) > 0 {
		out.CountByStatus = row.CountByStatus
	}
	if len(row.CountByEventType) > 0 {
		out.CountByEventType = row.CountByEventType
	}
	for _, bucket := range row.HourlyHistogram {
		out.HourlyHistogram = append(out.HourlyHistogram, service.AggregateBucket{
			ID:    bucket.ID.Time().UTC().Format(time.RFC3339),
			Count: bucket.Count,
		})
	}
	return out, nil
}
