package dynamo

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/pkg/logger"
)

// ItemAPI is the subset of the DynamoDB client PendingRepo uses.
type ItemAPI interface {
	dynamodb.ScanAPIClient
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// PendingRepo stores one item per pending user.
// PK: user_id. Save writes only the difference from the last synced state.
type PendingRepo struct {
	client    ItemAPI
	tableName string
	log       logger.Logger

	mu   sync.Mutex
	last domain.Snapshot // what the table is known to hold
}

func NewPendingRepo(client ItemAPI, tableName string, log logger.Logger) *PendingRepo {
	return &PendingRepo{client: client, tableName: tableName, log: log, last: domain.Snapshot{}}
}

// Load scans the whole table. Items that fail to decode are skipped and logged.
func (r *PendingRepo) Load(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{}
	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{TableName: aws.String(r.tableName)})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan pending verifications: %w", err)
		}
		for _, item := range out.Items {
			var rec domain.SessionRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil || rec.UserID == "" {
				r.log.Warn().Err(err).Msg("skipping undecodable pending verification item")
				continue
			}
			snap[rec.UserID] = rec
		}
	}

	r.mu.Lock()
	r.last = cloneSnapshot(snap)
	r.mu.Unlock()
	return snap, nil
}

// Save puts new or changed records and deletes records no longer present.
func (r *PendingRepo) Save(ctx context.Context, snap domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reqs []types.WriteRequest
	for uid, rec := range snap {
		if prev, ok := r.last[uid]; ok && prev.GroupID == rec.GroupID && prev.JoinedAt == rec.JoinedAt && sameCodes(prev.Codes, rec.Codes) {
			continue
		}
		rec.UserID = uid
		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return fmt.Errorf("marshal pending verification: %w", err)
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	for uid := range r.last {
		if _, ok := snap[uid]; !ok {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: strKey(fieldUserID, uid)}})
		}
	}

	for _, batch := range chunk(reqs, maxBatchWrite) {
		if err := r.writeBatch(ctx, batch); err != nil {
			// The table state is unknown now; resync on the next Load.
			return err
		}
	}
	r.last = cloneSnapshot(snap)
	return nil
}

func (r *PendingRepo) writeBatch(ctx context.Context, batch []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{r.tableName: batch}
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		out, err := r.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write pending verifications: %w", err)
		}
		if len(out.UnprocessedItems[r.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("batch write pending verifications: %d items unprocessed", len(pending[r.tableName]))
}

func cloneSnapshot(s domain.Snapshot) domain.Snapshot {
	out := make(domain.Snapshot, len(s))
	for k, v := range s {
		v.Codes = append([]string(nil), v.Codes...)
		out[k] = v
	}
	return out
}
