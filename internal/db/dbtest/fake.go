// Package dbtest provides an in-memory stand-in for db.DynamoAPI.
//
// It understands the key shapes the stores use (PK/SK, or a single State
// key), attribute_not_exists and contains conditions, and key conditions written as
// "<attr> = :pk" with an optional "begins_with(<attr>, :prefix)" or
// "<attr> BETWEEN :from AND :to", on the table or any index. Simple
// SET/ADD/REMOVE updates are applied in memory unless UpdateFn is set.
package dbtest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"storepulse/internal/db"
)

type Fake struct {
	db.DynamoAPI

	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	Puts    []*dynamodb.PutItemInput
	Updates []*dynamodb.UpdateItemInput
	Deletes []*dynamodb.DeleteItemInput
	Batches []*dynamodb.BatchWriteItemInput

	QueryFn  func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	ScanFn   func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
	UpdateFn func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	PutErr   error
}

func New() *Fake {
	return &Fake{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(table string, item map[string]types.AttributeValue) string {
	parts := []string{table}
	for _, k := range []string{"PK", "SK", "State"} {
		if v, ok := item[k]; ok {
			parts = append(parts, k+"="+db.S(v))
		}
	}
	return strings.Join(parts, "|")
}

// Seed stores an item directly.
func (f *Fake) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[keyOf(table, item)] = item
}

// Items returns all stored items of a table, ordered by key.
func (f *Fake) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemsLocked(table)
}

func (f *Fake) itemsLocked(table string) []map[string]types.AttributeValue {
	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, table+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.items[k])
	}
	return out
}

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(aws.ToString(in.TableName), in.Key)]}, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts = append(f.Puts, in)
	if f.PutErr != nil {
		return nil, f.PutErr
	}
	k := keyOf(aws.ToString(in.TableName), in.Item)
	if _, exists := f.items[k]; exists && strings.Contains(aws.ToString(in.ConditionExpression), "attribute_not_exists") {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem applies SET (plain assignment) and ADD (numeric or number set)
// clauses and checks conditions of the form attribute_exists(a),
// attribute_not_exists(a), [NOT] contains(a, :v) and a = :v, joined by AND.
// Like DynamoDB it rejects expression values or names that no expression
// uses. Anything else should go through UpdateFn.
func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	f.Updates = append(f.Updates, in)
	fn := f.UpdateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	if err := checkPlaceholders(in); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(aws.ToString(in.TableName), in.Key)
	cur, exists := f.items[k]
	name := func(n string) string {
		if real, ok := in.ExpressionAttributeNames[n]; ok {
			return real
		}
		return n
	}

	if c := aws.ToString(in.ConditionExpression); c != "" {
		for _, part := range regexp.MustCompile(`(?i)\s+AND\s+`).Split(c, -1) {
			part = strings.TrimSpace(part)
			ok := true
			negate := false
			if rest, ok := strings.CutPrefix(part, "NOT "); ok {
				negate, part = true, strings.TrimSpace(rest)
			}
			switch {
			case strings.HasPrefix(part, "contains("):
				a, v, _ := strings.Cut(strings.TrimSuffix(strings.TrimPrefix(part, "contains("), ")"), ",")
				ok = setContains(cur[name(strings.TrimSpace(a))], in.ExpressionAttributeValues[strings.TrimSpace(v)])
			case strings.HasPrefix(part, "attribute_exists("):
				_, ok = cur[name(strings.TrimSuffix(strings.TrimPrefix(part, "attribute_exists("), ")"))]
			case strings.HasPrefix(part, "attribute_not_exists("):
				_, has := cur[name(strings.TrimSuffix(strings.TrimPrefix(part, "attribute_not_exists("), ")"))]
				ok = !has
			default:
				lhs, rhs, _ := strings.Cut(part, "=")
				ok = exists && db.S(cur[name(strings.TrimSpace(lhs))]) == db.S(in.ExpressionAttributeValues[strings.TrimSpace(rhs)])
			}
			if negate {
				ok = !ok
			}
			if !ok {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}

	next := map[string]types.AttributeValue{}
	for a, v := range cur {
		next[a] = v
	}
	for a, v := range in.Key {
		next[a] = v
	}
	for _, clause := range updateClauses(aws.ToString(in.UpdateExpression)) {
		for _, assign := range strings.Split(clause.body, ",") {
			assign = strings.TrimSpace(assign)
			switch clause.verb {
			case "SET":
				lhs, rhs, _ := strings.Cut(assign, "=")
				next[name(strings.TrimSpace(lhs))] = in.ExpressionAttributeValues[strings.TrimSpace(rhs)]
			case "ADD":
				fields := strings.Fields(assign)
				if len(fields) == 2 {
					a := name(fields[0])
					if ns, ok := in.ExpressionAttributeValues[fields[1]].(*types.AttributeValueMemberNS); ok {
						next[a] = addToSet(next[a], ns)
						continue
					}
					next[a] = db.AttrN(db.N(next[a]) + db.N(in.ExpressionAttributeValues[fields[1]]))
				}
			case "REMOVE":
				delete(next, name(assign))
			}
		}
	}
	f.items[k] = next

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = next
	}
	return out, nil
}

var placeholder = regexp.MustCompile(`[:#][A-Za-z0-9_]+`)

func checkPlaceholders(in *dynamodb.UpdateItemInput) error {
	used := map[string]bool{}
	for _, e := range []string{aws.ToString(in.UpdateExpression), aws.ToString(in.ConditionExpression)} {
		for _, p := range placeholder.FindAllString(e, -1) {
			used[p] = true
		}
	}
	for k := range in.ExpressionAttributeValues {
		if !used[k] {
			return fmt.Errorf("ValidationException: Value provided in ExpressionAttributeValues unused in expressions: keys: {%s}", k)
		}
	}
	for k := range in.ExpressionAttributeNames {
		if !used[k] {
			return fmt.Errorf("ValidationException: Value provided in ExpressionAttributeNames unused in expressions: keys: {%s}", k)
		}
	}
	return nil
}

func setContains(set, v types.AttributeValue) bool {
	ns, ok := set.(*types.AttributeValueMemberNS)
	if !ok {
		return false
	}
	want := db.S(v)
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		want = n.Value
	}
	for _, x := range ns.Value {
		if x == want {
			return true
		}
	}
	return false
}

func addToSet(cur types.AttributeValue, add *types.AttributeValueMemberNS) types.AttributeValue {
	var out []string
	if ns, ok := cur.(*types.AttributeValueMemberNS); ok {
		out = append(out, ns.Value...)
	}
	for _, v := range add.Value {
		if !setContains(&types.AttributeValueMemberNS{Value: out}, &types.AttributeValueMemberN{Value: v}) {
			out = append(out, v)
		}
	}
	return &types.AttributeValueMemberNS{Value: out}
}

type updateClause struct{ verb, body string }

var clauseVerb = regexp.MustCompile(`\b(SET|ADD|REMOVE)\b`)

func updateClauses(expr string) []updateClause {
	locs := clauseVerb.FindAllStringIndex(expr, -1)
	out := make([]updateClause, 0, len(locs))
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, updateClause{verb: expr[loc[0]:loc[1]], body: strings.TrimSpace(expr[loc[1]:end])})
	}
	return out
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, in)
	delete(f.items, keyOf(aws.ToString(in.TableName), in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

var (
	pkCond      = regexp.MustCompile(`(\w+)\s*=\s*:pk`)
	prefixCond  = regexp.MustCompile(`begins_with\(\s*(\w+)\s*,\s*:prefix\s*\)`)
	betweenCond = regexp.MustCompile(`(?i)(\w+)\s+BETWEEN\s+:from\s+AND\s+:to`)
)

func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.QueryFn != nil {
		return f.QueryFn(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cond := aws.ToString(in.KeyConditionExpression)
	vals := in.ExpressionAttributeValues
	pkAttr, skAttr := "PK", ""
	if m := pkCond.FindStringSubmatch(cond); m != nil {
		pkAttr = m[1]
	}
	var match func(types.AttributeValue) bool
	if m := prefixCond.FindStringSubmatch(cond); m != nil {
		skAttr = m[1]
		prefix := db.S(vals[":prefix"])
		match = func(v types.AttributeValue) bool { return strings.HasPrefix(db.S(v), prefix) }
	} else if m := betweenCond.FindStringSubmatch(cond); m != nil {
		skAttr = m[1]
		from, to := db.S(vals[":from"]), db.S(vals[":to"])
		match = func(v types.AttributeValue) bool { s := db.S(v); return s >= from && s <= to }
	}

	pk := db.S(vals[":pk"])
	var out []map[string]types.AttributeValue
	for _, it := range f.itemsLocked(aws.ToString(in.TableName)) {
		v, ok := it[pkAttr]
		if !ok || db.S(v) != pk {
			continue
		}
		if match != nil && !match(it[skAttr]) {
			continue
		}
		out = append(out, it)
	}
	if skAttr != "" {
		sort.SliceStable(out, func(i, j int) bool { return db.S(out[i][skAttr]) < db.S(out[j][skAttr]) })
	}
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(out) {
		out = out[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *Fake) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.ScanFn != nil {
		return f.ScanFn(in)
	}
	items := f.Items(aws.ToString(in.TableName))
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Batches = append(f.Batches, in)
	for table, reqs := range in.RequestItems {
		for _, r := range reqs {
			if r.PutRequest != nil {
				f.items[keyOf(table, r.PutRequest.Item)] = r.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}
