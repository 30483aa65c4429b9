package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoDB attribute names. Timestamp is a reserved word, so every
// expression goes through ExpressionAttributeNames.
const (
	attrBucket      = "BucketName"
	attrTimestamp   = "Timestamp"
	attrTotalSize   = "TotalSize"
	attrEventDelta  = "EventDelta"
	attrObjectCount = "ObjectCount"

	// DefaultSizeIndex is the global secondary index on (BucketName, TotalSize).
	DefaultSizeIndex = "BucketSizeGSI"
)

// DynamoAPI is the subset of the DynamoDB client the ledger uses.
// *dynamodb.Client satisfies it.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig configures a DynamoLedger.
type DynamoConfig struct {
	Table     string
	SizeIndex string
	// PageSize bounds items per Query page when iterating a range.
	PageSize int32
}

// Validate checks configuration values.
func (c *DynamoConfig) Validate() error {
	if c.Table == "" {
		return errors.New("dynamodb table is required")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must be non-negative, got %d", c.PageSize)
	}
	return nil
}

// dynamoItem is the stored item shape.
type dynamoItem struct {
	BucketName  string `dynamodbav:"BucketName"`
	Timestamp   int64  `dynamodbav:"Timestamp"`
	TotalSize   int64  `dynamodbav:"TotalSize"`
	EventDelta  int64  `dynamodbav:"EventDelta"`
	ObjectCount int64  `dynamodbav:"ObjectCount"`
}

func itemFromRecord(rec SizeRecord) dynamoItem {
	return dynamoItem{
		BucketName:  rec.BucketID,
		Timestamp:   rec.Timestamp,
		TotalSize:   rec.TotalSize,
		EventDelta:  rec.EventDelta,
		ObjectCount: rec.ObjectCount,
	}
}

func (it dynamoItem) record() SizeRecord {
	return SizeRecord{
		BucketID:    it.BucketName,
		Timestamp:   it.Timestamp,
		TotalSize:   it.TotalSize,
		EventDelta:  it.EventDelta,
		ObjectCount: it.ObjectCount,
	}
}

func unmarshalRecord(av map[string]types.AttributeValue) (SizeRecord, error) {
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return SizeRecord{}, fmt.Errorf("unmarshal size record: %w", err)
	}
	return it.record(), nil
}

// DynamoLedger stores the history in a DynamoDB table keyed by
// (BucketName, Timestamp) with a global secondary index on
// (BucketName, TotalSize) for the peak lookup.
type DynamoLedger struct {
	api DynamoAPI
	cfg DynamoConfig
}

// NewDynamoLedger wraps api. Table creation is left to infrastructure.
func NewDynamoLedger(api DynamoAPI, cfg DynamoConfig) (*DynamoLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.SizeIndex == "" {
		cfg.SizeIndex = DefaultSizeIndex
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}
	return &DynamoLedger{api: api, cfg: cfg}, nil
}

// mapDynamoErr turns throttling and server faults into ErrUnavailable.
func mapDynamoErr(err error) error {
	var (
		pte *types.ProvisionedThroughputExceededException
		rle *types.RequestLimitExceeded
		ise *types.InternalServerError
	)
	switch {
	case errors.As(err, &pte), errors.As(err, &rle), errors.As(err, &ise):
		return unavailable(err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable":
			return unavailable(err)
		}
	}
	return err
}

func bucketKey(bucket string, ts int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrBucket:    &types.AttributeValueMemberS{Value: bucket},
		attrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
	}
}

// Append implements Ledger. The put is conditional on the (bucket, ts) slot
// being free; when it is taken the stored item decides between no-op and
// ErrConflict.
func (l *DynamoLedger) Append(ctx context.Context, rec SizeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(itemFromRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal size record: %w", err)
	}

	_, err = l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(l.cfg.Table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#ts)"),
		ExpressionAttributeNames: map[string]string{"#ts": attrTimestamp},
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("put size record: %w", mapDynamoErr(err))
	}

	out, err := l.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.cfg.Table),
		Key:            bucketKey(rec.BucketID, rec.Timestamp),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("read conflicting record: %w", mapDynamoErr(err))
	}
	if len(out.Item) == 0 {
		// The slot was freed between the put and the read; only another
		// writer could do that, so report it as contention.
		return unavailable(errors.New("conditional put failed but item is missing"))
	}
	existing, err := unmarshalRecord(out.Item)
	if err != nil {
		return err
	}
	if existing.TotalSize == rec.TotalSize {
		return nil
	}
	return conflict(rec, existing.TotalSize)
}

// queryEdge returns the first item of a single-item query, or ErrNotFound.
func (l *DynamoLedger) queryEdge(ctx context.Context, op string, in *dynamodb.QueryInput) (SizeRecord, error) {
	out, err := l.api.Query(ctx, in)
	if err != nil {
		return SizeRecord{}, fmt.Errorf("%s: %w", op, mapDynamoErr(err))
	}
	if len(out.Items) == 0 {
		return SizeRecord{}, notFound(bucketFromQuery(in))
	}
	return unmarshalRecord(out.Items[0])
}

func bucketFromQuery(in *dynamodb.QueryInput) string {
	if v, ok := in.ExpressionAttributeValues[":b"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Latest implements Ledger.
func (l *DynamoLedger) Latest(ctx context.Context, bucket string) (SizeRecord, error) {
	return l.queryEdge(ctx, "query latest", &dynamodb.QueryInput{
		TableName:                 aws.String(l.cfg.Table),
		KeyConditionExpression:    aws.String("#b = :b"),
		ExpressionAttributeNames:  map[string]string{"#b": attrBucket},
		ExpressionAttributeValues: map[string]types.AttributeValue{":b": &types.AttributeValueMemberS{Value: bucket}},
		ScanIndexForward:          aws.Bool(false),
		ConsistentRead:            aws.Bool(true),
		Limit:                     aws.Int32(1),
	})
}

// QueryMaxTotalSize implements Ledger. The index orders by TotalSize only,
// so equal totals are resolved by a second query over that exact total.
func (l *DynamoLedger) QueryMaxTotalSize(ctx context.Context, bucket string) (SizeRecord, error) {
	top, err := l.queryEdge(ctx, "query max total size", &dynamodb.QueryInput{
		TableName:                 aws.String(l.cfg.Table),
		IndexName:                 aws.String(l.cfg.SizeIndex),
		KeyConditionExpression:    aws.String("#b = :b"),
		ExpressionAttributeNames:  map[string]string{"#b": attrBucket},
		ExpressionAttributeValues: map[string]types.AttributeValue{":b": &types.AttributeValueMemberS{Value: bucket}},
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return SizeRecord{}, err
	}

	p := dynamodb.NewQueryPaginator(l.api, &dynamodb.QueryInput{
		TableName:              aws.String(l.cfg.Table),
		IndexName:              aws.String(l.cfg.SizeIndex),
		KeyConditionExpression: aws.String("#b = :b AND #total = :max"),
		ExpressionAttributeNames: map[string]string{
			"#b":     attrBucket,
			"#total": attrTotalSize,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b":   &types.AttributeValueMemberS{Value: bucket},
			":max": &types.AttributeValueMemberN{Value: strconv.FormatInt(top.TotalSize, 10)},
		},
	})
	best := top
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return SizeRecord{}, fmt.Errorf("query max total ties: %w", mapDynamoErr(err))
		}
		for _, item := range page.Items {
			rec, err := unmarshalRecord(item)
			if err != nil {
				return SizeRecord{}, err
			}
			if rec.Timestamp > best.Timestamp {
				best = rec
			}
		}
	}
	return best, nil
}

// QueryByTimeRange implements Ledger. Pages are fetched lazily as the
// iterator advances.
func (l *DynamoLedger) QueryByTimeRange(ctx context.Context, bucket string, from, to int64) (*Iterator, error) {
	if _, err := l.Latest(ctx, bucket); err != nil {
		return nil, err
	}
	if from > to {
		return newIterator(&sliceSource{}), nil
	}

	p := dynamodb.NewQueryPaginator(l.api, &dynamodb.QueryInput{
		TableName:              aws.String(l.cfg.Table),
		KeyConditionExpression: aws.String("#b = :b AND #ts BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]string{
			"#b":  attrBucket,
			"#ts": attrTimestamp,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":b":    &types.AttributeValueMemberS{Value: bucket},
			":from": &types.AttributeValueMemberN{Value: strconv.FormatInt(from, 10)},
			":to":   &types.AttributeValueMemberN{Value: strconv.FormatInt(to, 10)},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(l.cfg.PageSize),
	})
	return newIterator(&dynamoPageSource{ctx: ctx, pages: p}), nil
}

// Buckets implements Ledger with a projected table scan.
func (l *DynamoLedger) Buckets(ctx context.Context) ([]string, error) {
	p := dynamodb.NewScanPaginator(l.api, &dynamodb.ScanInput{
		TableName:                aws.String(l.cfg.Table),
		ProjectionExpression:     aws.String("#b"),
		ExpressionAttributeNames: map[string]string{"#b": attrBucket},
	})

	seen := make(map[string]struct{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan buckets: %w", mapDynamoErr(err))
		}
		for _, item := range page.Items {
			if v, ok := item[attrBucket].(*types.AttributeValueMemberS); ok {
				seen[v.Value] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Ledger. The client has nothing to release.
func (l *DynamoLedger) Close() error {
	return nil
}

// dynamoPageSource walks query pages one at a time.
type dynamoPageSource struct {
	ctx   context.Context
	pages *dynamodb.QueryPaginator
	buf   []map[string]types.AttributeValue
}

func (s *dynamoPageSource) next() (SizeRecord, bool, error) {
	for len(s.buf) == 0 {
		if !s.pages.HasMorePages() {
			return SizeRecord{}, false, nil
		}
		page, err := s.pages.NextPage(s.ctx)
		if err != nil {
			return SizeRecord{}, false, fmt.Errorf("query time range: %w", mapDynamoErr(err))
		}
		s.buf = page.Items
	}
	item := s.buf[0]
	s.buf = s.buf[1:]
	rec, err := unmarshalRecord(item)
	if err != nil {
		return SizeRecord{}, false, err
	}
	return rec, true, nil
}

func (s *dynamoPageSource) close() error {
	s.buf = nil
	return nil
}
