package storage

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/retry"
)

// Collection is a guarded handle for one collection. Every operation runs
// through circuit breaker admission, transient-error retry, and error
// classification into the store taxonomy.
type Collection struct {
	name string
	coll *mongo.Collection
	conn *Connection
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// run executes one logical operation under the connection guard. Breaker
// admission happens per attempt so a trip mid-retry stops the loop.
func (c *Collection) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opName := c.name + "." + op

	return retry.Do(ctx, c.conn.retryPolicy, opName, func() error {
		if err := c.conn.breaker.Allow(); err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, c.conn.config.OperationTimeout)
		defer cancel()

		start := time.Now()
		err := fn(opCtx)
		elapsed := time.Since(start)

		if elapsed > c.conn.config.SlowQueryThreshold {
			c.conn.logger.Warn("slow store operation",
				slog.String("operation", opName),
				slog.Duration("duration", elapsed),
			)
		}

		if err != nil {
			classified := classifyError(opName, err)

			if IsRetryable(classified) {
				c.conn.breaker.RecordFailure()
			} else {
				c.conn.breaker.RecordSuccess()
			}

			return classified
		}

		c.conn.breaker.RecordSuccess()

		return nil
	})
}

// FindOne decodes the first match into result. No match is ErrNotFound.
func (c *Collection) FindOne(ctx context.Context, filter any, result any, opts ...*options.FindOneOptions) error {
	return c.run(ctx, "find_one", func(ctx context.Context) error {
		return c.coll.FindOne(ctx, filter, opts...).Decode(result)
	})
}

// Find decodes all matches into results (a pointer to a slice). No matches
// decode into an empty slice, not an error.
func (c *Collection) Find(ctx context.Context, filter any, results any, opts ...*options.FindOptions) error {
	return c.run(ctx, "find", func(ctx context.Context) error {
		cursor, err := c.coll.Find(ctx, filter, opts...)
		if err != nil {
			return err
		}

		return cursor.All(ctx, results)
	})
}

// InsertOne inserts doc and returns the generated id.
func (c *Collection) InsertOne(ctx context.Context, doc any) (ID, error) {
	var id ID

	err := c.run(ctx, "insert_one", func(ctx context.Context) error {
		res, err := c.coll.InsertOne(ctx, doc)
		if err != nil {
			return err
		}

		if oid, ok := res.InsertedID.(ID); ok {
			id = oid
		}

		return nil
	})

	return id, err
}

// InsertMany inserts docs in order and returns the generated ids.
func (c *Collection) InsertMany(ctx context.Context, docs []any) ([]ID, error) {
	var ids []ID

	err := c.run(ctx, "insert_many", func(ctx context.Context) error {
		res, err := c.coll.InsertMany(ctx, docs)
		if err != nil {
			return err
		}

		ids = make([]ID, 0, len(res.InsertedIDs))

		for _, inserted := range res.InsertedIDs {
			if oid, ok := inserted.(ID); ok {
				ids = append(ids, oid)
			}
		}

		return nil
	})

	return ids, err
}

// UpdateByID applies update to the document with the given id. Returns
// whether a document matched.
func (c *Collection) UpdateByID(ctx context.Context, id ID, update any) (bool, error) {
	matched, err := c.UpdateOne(ctx, idFilter(id), update)

	return matched > 0, err
}

// UpdateOne applies update to the first match and returns the matched count.
func (c *Collection) UpdateOne(ctx context.Context, filter any, update any) (int64, error) {
	var matched int64

	err := c.run(ctx, "update_one", func(ctx context.Context) error {
		res, err := c.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}

		matched = res.MatchedCount

		return nil
	})

	return matched, err
}

// UpdateMany applies update to all matches and returns the matched count.
func (c *Collection) UpdateMany(ctx context.Context, filter any, update any) (int64, error) {
	var matched int64

	err := c.run(ctx, "update_many", func(ctx context.Context) error {
		res, err := c.coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return err
		}

		matched = res.MatchedCount

		return nil
	})

	return matched, err
}

// Upsert applies update to the first match, inserting when absent. Returns
// the new id on insert, nil when an existing document matched.
func (c *Collection) Upsert(ctx context.Context, filter any, update any) (*ID, error) {
	var upserted *ID

	err := c.run(ctx, "upsert", func(ctx context.Context) error {
		res, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err != nil {
			return err
		}

		if oid, ok := res.UpsertedID.(ID); ok {
			upserted = &oid
		}

		return nil
	})

	return upserted, err
}

// DeleteByID removes the document with the given id. Returns whether a
// document was removed.
func (c *Collection) DeleteByID(ctx context.Context, id ID) (bool, error) {
	deleted, err := c.DeleteMany(ctx, idFilter(id))

	return deleted > 0, err
}

// DeleteOne removes the first match. Returns whether a document was removed.
func (c *Collection) DeleteOne(ctx context.Context, filter any) (bool, error) {
	var deleted bool

	err := c.run(ctx, "delete_one", func(ctx context.Context) error {
		res, err := c.coll.DeleteOne(ctx, filter)
		if err != nil {
			return err
		}

		deleted = res.DeletedCount > 0

		return nil
	})

	return deleted, err
}

// DeleteMany removes all matches and returns the removed count.
func (c *Collection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	var deleted int64

	err := c.run(ctx, "delete_many", func(ctx context.Context) error {
		res, err := c.coll.DeleteMany(ctx, filter)
		if err != nil {
			return err
		}

		deleted = res.DeletedCount

		return nil
	})

	return deleted, err
}

// CountDocuments returns the number of matches.
func (c *Collection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	var count int64

	err := c.run(ctx, "count", func(ctx context.Context) error {
		n, err := c.coll.CountDocuments(ctx, filter)
		if err != nil {
			return err
		}

		count = n

		return nil
	})

	return count, err
}

// Aggregate runs the pipeline and decodes all results.
func (c *Collection) Aggregate(ctx context.Context, pipeline any, results any) error {
	return c.run(ctx, "aggregate", func(ctx context.Context) error {
		cursor, err := c.coll.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}

		return cursor.All(ctx, results)
	})
}

// Distinct returns the distinct values of field across matches.
func (c *Collection) Distinct(ctx context.Context, field string, filter any) ([]any, error) {
	var values []any

	err := c.run(ctx, "distinct", func(ctx context.Context) error {
		vs, err := c.coll.Distinct(ctx, field, filter)
		if err != nil {
			return err
		}

		values = vs

		return nil
	})

	return values, err
}

// FindOneAndUpdate applies update to the first match and decodes the
// post-update document into result. No match is ErrNotFound.
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter any, update any, result any, opts ...*options.FindOneAndUpdateOptions) error {
	return c.run(ctx, "find_one_and_update", func(ctx context.Context) error {
		opts = append(opts, options.FindOneAndUpdate().SetReturnDocument(options.After))

		return c.coll.FindOneAndUpdate(ctx, filter, update, opts...).Decode(result)
	})
}

// CreateIndexes creates the given index models, ignoring ones that already exist.
func (c *Collection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	return c.run(ctx, "create_indexes", func(ctx context.Context) error {
		_, err := c.coll.Indexes().CreateMany(ctx, models)

		return err
	})
}
