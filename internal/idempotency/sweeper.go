package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// SweepStats summarizes one cleanup pass.
type SweepStats struct {
	Scanned int
	Deleted int
	// Skipped counts rows whose conditional delete lost to a concurrent
	// update (for example a reclaim back to PENDING).
	Skipped int
}

// Sweeper deletes idempotency rows whose retry window has passed. PENDING
// rows are never deleted, however old: they are recovered explicitly.
type Sweeper struct {
	store    *Store
	pageSize int32
	logger   *zap.Logger
}

// NewSweeper returns a Sweeper scanning pageSize rows per request.
func NewSweeper(store *Store, pageSize int32, logger *zap.Logger) *Sweeper {
	if pageSize <= 0 {
		pageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, pageSize: pageSize, logger: logger}
}

const expiredCondition = "#s <> :pending AND expires_at < :now"

func (w *Sweeper) expiredValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":pending": &types.AttributeValueMemberS{Value: StatusPending},
		":now":     unixN(now),
	}
}

// RunOnce performs a single cleanup pass over the whole table.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	s := w.store
	now := s.nowFunc()
	var (
		stats    SweepStats
		startKey map[string]types.AttributeValue
		firstErr error
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                 &s.tableName,
			FilterExpression:          awsString(expiredCondition),
			ExpressionAttributeNames:  map[string]string{"#s": "status"},
			ExpressionAttributeValues: w.expiredValues(now),
			ExclusiveStartKey:         startKey,
			Limit:                     &w.pageSize,
		})
		if err != nil {
			return stats, fmt.Errorf("scan expired keys: %w", err)
		}
		stats.Scanned += int(out.ScannedCount)
		for _, item := range out.Items {
			k, ok := item["idempotency_key"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			// the scan is not a snapshot: the delete repeats the filter
			_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
				TableName:                 &s.tableName,
				Key:                       keyAttr(k.Value),
				ConditionExpression:       awsString(expiredCondition),
				ExpressionAttributeNames:  map[string]string{"#s": "status"},
				ExpressionAttributeValues: w.expiredValues(now),
			})
			switch {
			case err == nil:
				stats.Deleted++
			case IsConditionalCheckFailed(err):
				stats.Skipped++
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("delete %s: %w", k.Value, err)
				}
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	w.logger.Info("idempotency cleanup finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("deleted", stats.Deleted),
		zap.Int("skipped", stats.Skipped))
	return stats, firstErr
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("idempotency cleanup encountered errors", zap.Error(err))
		}
	}
}
