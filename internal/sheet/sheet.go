// Package sheet reads spreadsheet order files, one worksheet per product
// category, and converts them to extraction records.
package sheet

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/model"
)

// ErrNoItems is returned when no worksheet yields an ordered row.
var ErrNoItems = eris.New("sheet: no order items found; worksheets need a product and an order quantity column")

// DefaultUnit is used when a row has no unit.
const DefaultUnit = "units"

// skippedSheets are worksheet names that never hold order lines.
var skippedSheets = map[string]bool{
	"metadata": true,
	"config":   true,
	"settings": true,
	"info":     true,
}

// columnSynonyms maps a field to the header texts accepted for it.
var columnSynonyms = map[string][]string{
	"subcategory": {"subcategory", "sub-category", "sub category", "type", "subcat"},
	"product":     {"product", "product name", "item", "item name", "description", "name"},
	"unit":        {"unit", "uom", "unit of measure", "measure", "units"},
	"price":       {"price", "unit price", "rate", "cost", "amount"},
	"quantity":    {"opening order", "order", "qty", "quantity", "order qty", "order quantity", "amount"},
}

// Item is one ordered row.
type Item struct {
	Category    string
	Subcategory string
	Product     string
	Unit        string
	Price       *float64
	Quantity    float64
	Row         int // 1-based worksheet row
}

// Category is the ordered rows of one worksheet.
type Category struct {
	Name       string
	Items      []Item
	TotalValue float64
}

// Order is a parsed spreadsheet order.
type Order struct {
	Filename   string
	Categories []Category
	Warnings   []string
}

// TotalItems counts ordered rows across all worksheets.
func (o *Order) TotalItems() int {
	n := 0
	for _, c := range o.Categories {
		n += len(c.Items)
	}
	return n
}

// TotalValue sums priced rows across all worksheets.
func (o *Order) TotalValue() float64 {
	var v float64
	for _, c := range o.Categories {
		v += c.TotalValue
	}
	return v
}

// ReadFile parses the workbook at path.
func ReadFile(path string) (*Order, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: open file")
	}
	return parse(f, path)
}

// Parse parses a workbook held in memory.
func Parse(data []byte, filename string) (*Order, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: open workbook")
	}
	return parse(f, filename)
}

func parse(f *xlsx.File, filename string) (*Order, error) {
	order := &Order{Filename: filename}
	for _, ws := range f.Sheets {
		name := strings.TrimSpace(ws.Name)
		if skippedSheets[strings.ToLower(name)] {
			continue
		}
		cat, warnings := parseWorksheet(ws, name)
		order.Warnings = append(order.Warnings, warnings...)
		if len(cat.Items) > 0 {
			order.Categories = append(order.Categories, cat)
		}
	}

	if len(order.Categories) == 0 {
		return nil, eris.Wrapf(ErrNoItems, "file %q", filename)
	}
	zap.L().Debug("sheet: parsed order",
		zap.String("file", filename),
		zap.Int("categories", len(order.Categories)),
		zap.Int("items", order.TotalItems()),
	)
	return order, nil
}

func parseWorksheet(ws *xlsx.Sheet, category string) (Category, []string) {
	cat := Category{Name: category}
	if len(ws.Rows) == 0 {
		return cat, nil
	}

	headers := rowStrings(ws.Rows[0])
	cols := map[string]int{}
	for field := range columnSynonyms {
		cols[field] = findColumn(headers, field)
	}
	if cols["product"] < 0 {
		for i, h := range headers {
			if strings.Contains(h, "product") {
				cols["product"] = i
				break
			}
		}
	}
	if cols["product"] < 0 {
		return cat, []string{fmt.Sprintf("worksheet %q has no product column", category)}
	}
	if cols["quantity"] < 0 {
		return cat, []string{fmt.Sprintf("worksheet %q has no quantity column", category)}
	}

	var warnings []string
	for i, row := range ws.Rows[1:] {
		rowNum := i + 2
		product := strings.TrimSpace(cellString(row, cols["product"]))
		if product == "" {
			continue
		}
		qty, ok := cellFloat(row, cols["quantity"])
		if !ok || qty <= 0 {
			continue
		}

		item := Item{
			Category:    category,
			Subcategory: strings.TrimSpace(cellString(row, cols["subcategory"])),
			Product:     product,
			Unit:        DefaultUnit,
			Quantity:    qty,
			Row:         rowNum,
		}
		if u := strings.TrimSpace(cellString(row, cols["unit"])); u != "" {
			item.Unit = u
		}
		if cols["price"] >= 0 && cols["price"] != cols["quantity"] {
			if p, ok := cellFloat(row, cols["price"]); ok {
				item.Price = &p
				cat.TotalValue += p * qty
			} else if strings.TrimSpace(cellString(row, cols["price"])) != "" {
				warnings = append(warnings, fmt.Sprintf("%s row %d: unreadable price", category, rowNum))
			}
		}
		cat.Items = append(cat.Items, item)
	}
	return cat, warnings
}

// findColumn returns the index of the first header naming field, or -1.
func findColumn(headers []string, field string) int {
	for i, h := range headers {
		for _, syn := range columnSynonyms[field] {
			if h == syn {
				return i
			}
		}
	}
	return -1
}

func rowStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = strings.ToLower(strings.TrimSpace(c.String()))
	}
	return out
}

func cellString(row *xlsx.Row, idx int) string {
	if idx < 0 || idx >= len(row.Cells) {
		return ""
	}
	return row.Cells[idx].String()
}

func cellFloat(row *xlsx.Row, idx int) (float64, bool) {
	if idx < 0 || idx >= len(row.Cells) {
		return 0, false
	}
	cell := row.Cells[idx]
	if strings.TrimSpace(cell.Value) == "" {
		return 0, false
	}
	v, err := cell.Float()
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ToExtraction converts the order to an extraction record. Spreadsheet rows
// are unambiguous so every item carries high confidence.
func (o *Order) ToExtraction(customer, organization string) *model.Extraction {
	if customer == "" {
		customer = organization
	}
	if customer == "" {
		customer = "Unknown Customer"
	}

	ext := &model.Extraction{
		CustomerName:         customer,
		CustomerOrganization: organization,
		OverallConfidence:    model.ConfidenceHigh,
		RawMessage:           o.Text(customer),
	}
	for _, c := range o.Categories {
		for _, it := range c.Items {
			note := "category: " + it.Category
			if it.Subcategory != "" {
				note += ", subcategory: " + it.Subcategory
			}
			ext.Items = append(ext.Items, model.ExtractedItem{
				ProductName:  it.Product,
				Quantity:     it.Quantity,
				Unit:         it.Unit,
				Confidence:   model.ConfidenceHigh,
				OriginalText: fmt.Sprintf("%s row %d", it.Category, it.Row),
				Notes:        note,
			})
		}
	}
	ext.Normalize()
	return ext
}

// Text renders the order as plain text, one line per item grouped by
// category.
func (o *Order) Text(customer string) string {
	var b strings.Builder
	if customer != "" {
		fmt.Fprintf(&b, "Order from: %s\n", customer)
	}
	if o.Filename != "" {
		fmt.Fprintf(&b, "File: %s\n", o.Filename)
	}
	for _, c := range o.Categories {
		fmt.Fprintf(&b, "\n=== %s ===\n", c.Name)
		for _, it := range c.Items {
			b.WriteString("- ")
			if it.Subcategory != "" {
				fmt.Fprintf(&b, "[%s] ", it.Subcategory)
			}
			fmt.Fprintf(&b, "%s: %g %s", it.Product, it.Quantity, it.Unit)
			if it.Price != nil {
				fmt.Fprintf(&b, " @ %.2f", *it.Price)
			}
			b.WriteString("\n")
		}
	}
	if v := o.TotalValue(); v > 0 {
		fmt.Fprintf(&b, "\nTotal estimated value: %.2f\n", v)
	}
	return b.String()
}
