// Package awstest provides in-memory fakes of the AWS client interfaces.
//
// FakeDynamo understands the small expression dialect the stores use:
// conditions made of `attribute_exists(x)`, `attribute_not_exists(x)` and
// `x = :v` clauses joined with AND, `SET a = :v, b = b + :n` updates, and
// single-equality key conditions for Query (the index name is ignored, the
// attribute is matched on every item of the table).
package awstest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// FakeDynamo is a goroutine-safe in-memory DynamoDB.
type FakeDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]item
	calls  map[string]int
	fail   map[string]error

	// BeforeTransact runs before every TransactWriteItems call, outside the
	// lock, so tests can interleave a competing write.
	BeforeTransact func(in *dyn.TransactWriteItemsInput)
}

func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		keys:   map[string]string{},
		tables: map[string]map[string]item{},
		calls:  map[string]int{},
		fail:   map[string]error{},
	}
}

// CreateTable registers a table keyed by a single string hash attribute.
func (f *FakeDynamo) CreateTable(name, hashKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = hashKey
	f.tables[name] = map[string]item{}
}

// Seed writes an item without evaluating conditions.
func (f *FakeDynamo) Seed(table string, it map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, err := f.pk(table, it)
	if err != nil {
		panic(err)
	}
	f.tables[table][pk] = clone(it)
}

// Item returns a copy of the stored item or nil.
func (f *FakeDynamo) Item(table, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.tables[table][key]
	if !ok {
		return nil
	}
	return clone(it)
}

// Len returns the number of items in table.
func (f *FakeDynamo) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

// Calls returns how many times op (e.g. "UpdateItem") was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next call to op return err.
func (f *FakeDynamo) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *FakeDynamo) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func (f *FakeDynamo) PutItem(_ context.Context, in *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := f.pk(table, in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.tables[table][pk])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionalFailed()
	}
	f.tables[table][pk] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(_ context.Context, in *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := f.pk(table, in.Key)
	if err != nil {
		return nil, err
	}
	it, ok := f.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(it)}, nil
}

func (f *FakeDynamo) UpdateItem(_ context.Context, in *dyn.UpdateItemInput, _ ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	updated, err := f.update(table, in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, conditionalFailed()
	}
	pk, _ := f.pk(table, in.Key)
	f.tables[table][pk] = updated
	return &dyn.UpdateItemOutput{Attributes: clone(updated)}, nil
}

func (f *FakeDynamo) Query(_ context.Context, in *dyn.QueryInput, _ ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	rows, ok := f.tables[table]
	if !ok {
		return nil, noTable(table)
	}
	lhs, rhs, ok := strings.Cut(sdkaws.ToString(in.KeyConditionExpression), "=")
	if !ok {
		return nil, fmt.Errorf("awstest: unsupported key condition %q", sdkaws.ToString(in.KeyConditionExpression))
	}
	attr := resolveName(strings.TrimSpace(lhs), in.ExpressionAttributeNames)
	want := in.ExpressionAttributeValues[strings.TrimSpace(rhs)]

	pks := make([]string, 0, len(rows))
	for pk := range rows {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var out []map[string]types.AttributeValue
	for _, pk := range pks {
		if equalValues(rows[pk][attr], want) {
			out = append(out, clone(rows[pk]))
		}
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *FakeDynamo) TransactWriteItems(_ context.Context, in *dyn.TransactWriteItemsInput, _ ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if f.BeforeTransact != nil {
		f.BeforeTransact(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	type write struct {
		table string
		pk    string
		it    item
	}
	var writes []write
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		switch {
		case ti.Put != nil:
			p := ti.Put
			table := sdkaws.ToString(p.TableName)
			pk, err := f.pk(table, p.Item)
			if err != nil {
				return nil, err
			}
			ok, err := evalCondition(p.ConditionExpression, p.ExpressionAttributeNames, p.ExpressionAttributeValues, f.tables[table][pk])
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
				cancelled = true
				continue
			}
			writes = append(writes, write{table, pk, clone(p.Item)})
		case ti.Update != nil:
			u := ti.Update
			table := sdkaws.ToString(u.TableName)
			updated, err := f.update(table, u.Key, u.UpdateExpression, u.ConditionExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if updated == nil {
				reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
				cancelled = true
				continue
			}
			pk, _ := f.pk(table, u.Key)
			writes = append(writes, write{table, pk, updated})
		case ti.ConditionCheck != nil:
			c := ti.ConditionCheck
			table := sdkaws.ToString(c.TableName)
			pk, err := f.pk(table, c.Key)
			if err != nil {
				return nil, err
			}
			ok, err := evalCondition(c.ConditionExpression, c.ExpressionAttributeNames, c.ExpressionAttributeValues, f.tables[table][pk])
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
				cancelled = true
			}
		default:
			return nil, errors.New("awstest: unsupported transact item")
		}
	}

	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		f.tables[w.table][w.pk] = w.it
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// update returns the new item, or nil when the condition failed.
func (f *FakeDynamo) update(table string, key item, expr, cond *string, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	pk, err := f.pk(table, key)
	if err != nil {
		return nil, err
	}
	current := f.tables[table][pk]
	ok, err := evalCondition(cond, names, values, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	if err := applyUpdate(sdkaws.ToString(expr), names, values, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (f *FakeDynamo) pk(table string, it item) (string, error) {
	attr, ok := f.keys[table]
	if !ok {
		return "", noTable(table)
	}
	v, ok := it[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("awstest: item for %s is missing string key %q", table, attr)
	}
	return v.Value, nil
}

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, current item) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(clause[len("attribute_not_exists("):len(clause)-1], names)
			if _, ok := current[attr]; ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(clause[len("attribute_exists("):len(clause)-1], names)
			if _, ok := current[attr]; !ok {
				return false, nil
			}
		case strings.Contains(clause, " = "):
			lhs, rhs, _ := strings.Cut(clause, " = ")
			attr := resolveName(strings.TrimSpace(lhs), names)
			want, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return false, fmt.Errorf("awstest: missing value %s", rhs)
			}
			if !equalValues(current[attr], want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("awstest: unsupported condition %q", clause)
		}
	}
	return true, nil
}

func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, it item) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		lhs, rhs, ok := strings.Cut(assign, "=")
		if !ok {
			return fmt.Errorf("awstest: bad assignment %q", assign)
		}
		attr := resolveName(strings.TrimSpace(lhs), names)
		rhs = strings.TrimSpace(rhs)

		if base, delta, isAdd := strings.Cut(rhs, " + "); isAdd {
			cur := numeric(it[resolveName(strings.TrimSpace(base), names)])
			inc := numeric(values[strings.TrimSpace(delta)])
			it[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+inc, 10)}
			continue
		}
		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("awstest: missing value %s", rhs)
		}
		it[attr] = v
	}
	return nil
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if n, ok := names[token]; ok {
			return n
		}
	}
	return token
}

func numeric(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func equalValues(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func conditionalFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func noTable(name string) error {
	return &types.ResourceNotFoundException{Message: sdkaws.String("Requested resource not found: " + name)}
}
