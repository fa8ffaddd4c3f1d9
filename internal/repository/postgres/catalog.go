package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/storecart/pkg/database"

	"github.com/utafrali/storecart/internal/domain"
)

// CatalogReader joins cart rows with the catalog tables. The catalog is owned
// by the product service; this repository never writes to it.
type CatalogReader struct {
	db database.DBTX
}

// NewCatalogReader creates a PostgreSQL-backed catalog reader.
func NewCatalogReader(db database.DBTX) *CatalogReader {
	return &CatalogReader{db: db}
}

const lineSelect = `
	SELECT ci.id, ci.variant_id, ci.quantity, ci.where_added, ci.is_visible, ci.visible_cause,
		COALESCE(v.product_id::text, ''), COALESCE(v.sku, ''), COALESCE(p.name, ''),
		pt.locale, pt.name, pt.slug,
		vp.currency, vp.amount, vp.compare_at_amount
	FROM cart_items ci
	LEFT JOIN product_variants v ON v.id = ci.variant_id
	LEFT JOIN products p ON p.id = v.product_id
	LEFT JOIN product_translations pt ON pt.product_id = v.product_id AND pt.locale = $2
	LEFT JOIN variant_prices vp ON vp.variant_id = ci.variant_id AND vp.currency = $3`

func scanLine(row pgx.Row) (domain.LineItem, error) {
	var (
		l                 domain.LineItem
		isVisible         bool
		cause             *string
		trLocale, trName  *string
		trSlug            *string
		priceCur          *string
		amount, compareAt *int64
	)
	err := row.Scan(
		&l.CartItemID, &l.VariantID, &l.Quantity, &l.WhereAdded, &isVisible, &cause,
		&l.ProductID, &l.SKU, &l.ProductName,
		&trLocale, &trName, &trSlug,
		&priceCur, &amount, &compareAt,
	)
	if err != nil {
		return l, err
	}
	if l.Visibility, err = domain.VisibilityFromColumns(isVisible, cause); err != nil {
		return l, err
	}
	if trLocale != nil {
		l.Translation = &domain.Translation{Locale: *trLocale}
		if trName != nil {
			l.Translation.Name = *trName
		}
		if trSlug != nil {
			l.Translation.Slug = *trSlug
		}
	}
	if priceCur != nil && amount != nil {
		l.Price = &domain.Price{Currency: *priceCur, Amount: *amount, CompareAtAmount: compareAt}
	}
	return l, nil
}

func (c *CatalogReader) listLines(ctx context.Context, op, query string, args ...any) (lines []domain.LineItem, err error) {
	ctx, end := database.TraceQuery(ctx, "catalog."+op, query)
	defer func() { end(err) }()

	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart lines: %w", err)
	}
	return lines, nil
}

// ListActiveLines returns visible, non-deleted rows with catalog data.
func (c *CatalogReader) ListActiveLines(ctx context.Context, cartID, locale, currency string) ([]domain.LineItem, error) {
	return c.listLines(ctx, "ListActiveLines", lineSelect+`
	WHERE ci.cart_id = $1 AND ci.is_visible = true AND ci.deleted_at IS NULL
	ORDER BY ci.created_at, ci.id`, cartID, locale, currency)
}

// ListRestorableLines returns mismatch-hidden rows with catalog data.
func (c *CatalogReader) ListRestorableLines(ctx context.Context, cartID, locale, currency string) ([]domain.LineItem, error) {
	return c.listLines(ctx, "ListRestorableLines", lineSelect+`
	WHERE ci.cart_id = $1 AND ci.is_visible = false AND ci.visible_cause = ANY($4)
	ORDER BY ci.created_at, ci.id`, cartID, locale, currency, mismatchCauses)
}

// InvalidItemDetails loads display data for hidden rows. The product name
// falls back to the base name when the locale has no translation.
func (c *CatalogReader) InvalidItemDetails(ctx context.Context, ids []string, locale string) (details []domain.InvalidItemDetail, err error) {
	query := `
		SELECT ci.id, ci.variant_id, COALESCE(pt.name, p.name, ''), ci.visible_cause
		FROM cart_items ci
		LEFT JOIN product_variants v ON v.id = ci.variant_id
		LEFT JOIN products p ON p.id = v.product_id
		LEFT JOIN product_translations pt ON pt.product_id = v.product_id AND pt.locale = $2
		WHERE ci.id = ANY($1)
		ORDER BY ci.created_at, ci.id`

	ctx, end := database.TraceQuery(ctx, "catalog.InvalidItemDetails", query)
	defer func() { end(err) }()

	rows, err := c.db.Query(ctx, query, ids, locale)
	if err != nil {
		return nil, fmt.Errorf("invalid item details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d     domain.InvalidItemDetail
			cause *string
		)
		if err := rows.Scan(&d.CartItemID, &d.VariantID, &d.ProductName, &cause); err != nil {
			return nil, fmt.Errorf("scan invalid item: %w", err)
		}
		if cause != nil {
			d.Cause = domain.Cause(*cause)
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invalid items: %w", err)
	}
	return details, nil
}
