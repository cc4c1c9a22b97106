package capability

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/callflow/pkg/schema"
)

// SQL dialects understood by SQLProvider.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Namespaces served by the SQL data provider.
const (
	NamespaceCustomer   = "customer"
	NamespaceOperations = "operations"
)

// SQLProvider serves customer or operations data straight from a database.
// Its payloads use the same wrapper shapes as the remote data service.
type SQLProvider struct {
	db        *sql.DB
	namespace string
	dialect   string
}

// NewSQLProvider creates a provider for namespace (customer or operations).
func NewSQLProvider(db *sql.DB, namespace, dialect string) (*SQLProvider, error) {
	switch namespace {
	case NamespaceCustomer, NamespaceOperations:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sql provider has no namespace %q", namespace)
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown sql dialect %q", dialect)
	}
	return &SQLProvider{db: db, namespace: namespace, dialect: dialect}, nil
}

func (p *SQLProvider) Namespace() string { return p.namespace }

func (p *SQLProvider) Capabilities() map[string]Capability {
	if p.namespace == NamespaceOperations {
		return map[string]Capability{
			"get_software_update": Func(p.softwareUpdates),
		}
	}
	return map[string]Capability{
		"get_customer_by_id":       Func(p.customerByID),
		"get_historic_call_events": Func(p.historicCallEvents),
		"subscriptions":            Func(p.subscriptions),
		"discounts":                Func(p.discounts),
		"products":                 Func(p.products),
	}
}

func (p *SQLProvider) customerByID(ctx context.Context, args map[string]any) (any, error) {
	id, err := requiredArg(args, "customer_id")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := p.query(ctx, `SELECT id, name, clv, relation_start_date FROM customer WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"query_time_ms": elapsedMillis(start)}
	if len(rows) == 0 {
		out["customer"] = nil
		out["error"] = "customer " + id + " not found"
		return out, nil
	}
	out["customer"] = rows[0]
	return out, nil
}

func (p *SQLProvider) historicCallEvents(ctx context.Context, args map[string]any) (any, error) {
	id, err := requiredArg(args, "customer_id")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := p.query(ctx, `SELECT id, customer_id, sdc, call_summary, start_time, end_time
		FROM historic_call_event WHERE customer_id = ? ORDER BY start_time DESC`, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"events":        rows,
		"count":         len(rows),
		"query_time_ms": elapsedMillis(start),
	}, nil
}

func (p *SQLProvider) subscriptions(ctx context.Context, args map[string]any) (any, error) {
	id, err := requiredArg(args, "customer_id")
	if err != nil {
		return nil, err
	}
	return p.query(ctx, `SELECT id, customer_id, product_id, contract_duration_months, price_per_month, start_date, end_date
		FROM subscription WHERE customer_id = ?`, id)
}

func (p *SQLProvider) discounts(ctx context.Context, args map[string]any) (any, error) {
	const q = `SELECT id, product_id, minimum_clv, percentage, duration_months FROM discount`
	if id := optionalArg(args, "product_id"); id != "" {
		return p.query(ctx, q+` WHERE product_id = ?`, id)
	}
	return p.query(ctx, q)
}

func (p *SQLProvider) products(ctx context.Context, args map[string]any) (any, error) {
	const q = `SELECT id, name, type, listing_price FROM product`
	if id := optionalArg(args, "product_id"); id != "" {
		return p.query(ctx, q+` WHERE id = ?`, id)
	}
	return p.query(ctx, q)
}

func (p *SQLProvider) softwareUpdates(ctx context.Context, args map[string]any) (any, error) {
	const q = `SELECT id, product_id, rollout_date, type FROM software_update`
	if id := optionalArg(args, "product_id"); id != "" {
		return p.query(ctx, q+` WHERE product_id = ?`, id)
	}
	return p.query(ctx, q)
}

// query runs q and returns every row as a JSON-friendly map.
func (p *SQLProvider) query(ctx context.Context, q string, args ...any) ([]any, error) {
	rows, err := p.db.QueryContext(ctx, p.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = jsonValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *SQLProvider) rebind(q string) string {
	if p.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// jsonValue maps driver values onto the types a JSON decoder would produce.
func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case int64:
		return int(x)
	case int32:
		return int(x)
	case float32:
		return float64(x)
	}
	return v
}

func requiredArg(args map[string]any, key string) (string, error) {
	v := optionalArg(args, key)
	if v == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "argument %q is required", key)
	}
	return v, nil
}

func optionalArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func elapsedMillis(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}
