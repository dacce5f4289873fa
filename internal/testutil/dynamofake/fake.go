// Package dynamofake is an in-memory DynamoDB used by store tests. It
// evaluates the condition, update and filter expressions the stores issue
// (attribute_[not_]exists, comparisons joined by AND/OR, SET with
// if_not_exists and arithmetic, REMOVE) and implements TransactWriteItems
// with per-item cancellation reasons.
package dynamofake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type table struct {
	hashKey string
	indexes map[string]string
	items   map[string]map[string]types.AttributeValue
}

// Fake implements the DynamoDB client surface used by the stores.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	faults map[string][]error
	calls  map[string]int

	// Hook runs before every operation, outside the lock. A non-nil error is
	// returned to the caller instead of executing the operation.
	Hook func(op, tableName string) error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		faults: map[string][]error{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table with a string hash key.
func (f *Fake) CreateTable(name, hashKey string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hashKey: hashKey, indexes: map[string]string{}, items: map[string]map[string]types.AttributeValue{}}
	return f
}

// AddIndex registers a global secondary index on an existing table.
func (f *Fake) AddIndex(tableName, indexName, hashKey string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[indexName] = hashKey
	return f
}

// FailNext queues err as the result of the next call to op.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], err)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Put stores item without any condition.
func (f *Fake) Put(tableName string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	t.items[pkOf(t, item)] = copyItem(item)
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(tableName, pk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.tables[tableName].items[pk]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[tableName].items)
}

func (f *Fake) begin(op, tableName string) error {
	if f.Hook != nil {
		if err := f.Hook(op, tableName); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.calls[op]++
	if q := f.faults[op]; len(q) > 0 {
		err := q[0]
		f.faults[op] = q[1:]
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Fake) lookup(name *string) (*table, error) {
	t, ok := f.tables[sdkaws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + sdkaws.ToString(name))}
	}
	return t, nil
}

func pkOf(t *table, item map[string]types.AttributeValue) string {
	if s, ok := item[t.hashKey].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func keyOf(t *table, key map[string]types.AttributeValue) (string, error) {
	pk := pkOf(t, key)
	if pk == "" {
		return "", fmt.Errorf("missing key attribute %s", t.hashKey)
	}
	return pk, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	if err := f.begin("PutItem", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := keyOf(t, in.Item)
	if err != nil {
		return nil, err
	}
	ec := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	ok, err := ec.evalCondition(sdkaws.ToString(in.ConditionExpression), t.items[pk])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	if err := f.begin("GetItem", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := keyOf(t, in.Key)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	if err := f.begin("UpdateItem", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := keyOf(t, in.Key)
	if err != nil {
		return nil, err
	}
	ec := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	updated, err := f.update(t, pk, in.Key, ec, sdkaws.ToString(in.ConditionExpression), sdkaws.ToString(in.UpdateExpression))
	if err != nil {
		return nil, err
	}
	t.items[pk] = updated
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (f *Fake) update(t *table, pk string, key map[string]types.AttributeValue, ec exprCtx, cond, upd string) (map[string]types.AttributeValue, error) {
	current := t.items[pk]
	ok, err := ec.evalCondition(cond, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	base := current
	if base == nil {
		base = copyItem(key)
	}
	return ec.applyUpdate(upd, base)
}

func (f *Fake) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	if err := f.begin("DeleteItem", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := keyOf(t, in.Key)
	if err != nil {
		return nil, err
	}
	ec := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	ok, err := ec.evalCondition(sdkaws.ToString(in.ConditionExpression), t.items[pk])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	delete(t.items, pk)
	return &dyn.DeleteItemOutput{}, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	if err := f.begin("Query", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.IndexName != nil {
		if _, ok := t.indexes[*in.IndexName]; !ok {
			return nil, fmt.Errorf("index not found: %s", *in.IndexName)
		}
	}
	ec := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	out := &dyn.QueryOutput{}
	for _, pk := range sortedKeys(t) {
		it := t.items[pk]
		match, err := ec.evalCondition(sdkaws.ToString(in.KeyConditionExpression), it)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		keep, err := ec.evalCondition(sdkaws.ToString(in.FilterExpression), it)
		if err != nil {
			return nil, err
		}
		if keep {
			out.Items = append(out.Items, copyItem(it))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// Scan honors Limit and ExclusiveStartKey so callers exercise pagination.
// Limit counts evaluated items, before the filter, as DynamoDB does.
func (f *Fake) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	if err := f.begin("Scan", sdkaws.ToString(in.TableName)); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	t, err := f.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	ec := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	keys := sortedKeys(t)
	start := 0
	if in.ExclusiveStartKey != nil {
		after := pkOf(t, in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	limit := len(keys)
	if in.Limit != nil && int(*in.Limit) > 0 {
		limit = int(*in.Limit)
	}
	out := &dyn.ScanOutput{}
	evaluated := 0
	for i := start; i < len(keys) && evaluated < limit; i++ {
		evaluated++
		it := t.items[keys[i]]
		keep, err := ec.evalCondition(sdkaws.ToString(in.FilterExpression), it)
		if err != nil {
			return nil, err
		}
		if keep {
			out.Items = append(out.Items, copyItem(it))
		}
		if evaluated == limit && i+1 < len(keys) {
			out.LastEvaluatedKey = map[string]types.AttributeValue{
				t.hashKey: &types.AttributeValueMemberS{Value: keys[i]},
			}
		}
	}
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(evaluated)
	return out, nil
}

func sortedKeys(t *table) []string {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type pendingWrite struct {
	t      *table
	pk     string
	item   map[string]types.AttributeValue
	delete bool
}

// TransactWriteItems checks every condition first and applies nothing when
// any fails, reporting one cancellation reason per item.
func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if err := f.begin("TransactWriteItems", ""); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	writes := make([]pendingWrite, 0, len(in.TransactItems))
	failed := false
	seen := map[string]bool{}

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			w   pendingWrite
			ok  bool
			err error
		)
		switch {
		case ti.Put != nil:
			p := ti.Put
			if w.t, err = f.lookup(p.TableName); err != nil {
				return nil, err
			}
			if w.pk, err = keyOf(w.t, p.Item); err != nil {
				return nil, err
			}
			ec := exprCtx{names: p.ExpressionAttributeNames, values: p.ExpressionAttributeValues}
			ok, err = ec.evalCondition(sdkaws.ToString(p.ConditionExpression), w.t.items[w.pk])
			w.item = copyItem(p.Item)
		case ti.Update != nil:
			u := ti.Update
			if w.t, err = f.lookup(u.TableName); err != nil {
				return nil, err
			}
			if w.pk, err = keyOf(w.t, u.Key); err != nil {
				return nil, err
			}
			ec := exprCtx{names: u.ExpressionAttributeNames, values: u.ExpressionAttributeValues}
			w.item, err = f.update(w.t, w.pk, u.Key, ec, sdkaws.ToString(u.ConditionExpression), sdkaws.ToString(u.UpdateExpression))
			ok = err == nil
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				err = nil
			}
		case ti.Delete != nil:
			d := ti.Delete
			if w.t, err = f.lookup(d.TableName); err != nil {
				return nil, err
			}
			if w.pk, err = keyOf(w.t, d.Key); err != nil {
				return nil, err
			}
			ec := exprCtx{names: d.ExpressionAttributeNames, values: d.ExpressionAttributeValues}
			ok, err = ec.evalCondition(sdkaws.ToString(d.ConditionExpression), w.t.items[w.pk])
			w.delete = true
		case ti.ConditionCheck != nil:
			c := ti.ConditionCheck
			if w.t, err = f.lookup(c.TableName); err != nil {
				return nil, err
			}
			if w.pk, err = keyOf(w.t, c.Key); err != nil {
				return nil, err
			}
			ec := exprCtx{names: c.ExpressionAttributeNames, values: c.ExpressionAttributeValues}
			ok, err = ec.evalCondition(sdkaws.ToString(c.ConditionExpression), w.t.items[w.pk])
		default:
			return nil, fmt.Errorf("transact item %d has no operation", i)
		}
		if err != nil {
			return nil, err
		}
		id := fmt.Sprintf("%p/%s", w.t, w.pk)
		if seen[id] {
			return nil, fmt.Errorf("transaction touches item %s more than once", w.pk)
		}
		seen[id] = true
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{
				Code:    sdkaws.String("ConditionalCheckFailed"),
				Message: sdkaws.String("The conditional request failed"),
			}
			continue
		}
		if ti.ConditionCheck == nil {
			writes = append(writes, w)
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		if w.delete {
			delete(w.t.items, w.pk)
			continue
		}
		w.t.items[w.pk] = w.item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
