// Package erp reads the purchase order export of the ERP and loads it into
// the procurement tables.
package erp

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/xmlx"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

const orderElement = "TPED_COMPRA"

// ErrMalformedOrder marks an order element that could not be converted.
var ErrMalformedOrder = errors.New("erp: malformed order")

// Document is one decoded TPED_COMPRA element. Err is set when the element
// was readable XML but its content could not be converted; Order then holds
// whatever identifies it.
type Document struct {
	Order procurement.PurchaseOrder
	Err   error
}

type xmlOrder struct {
	Code         string          `xml:"COD_PEDC"`
	Emission     string          `xml:"DT_EMIS"`
	SupplierID   string          `xml:"FOR_COD"`
	CompanyCode  string          `xml:"EMPR_ID"`
	SupplierDesc string          `xml:"DESC_FOR"`
	Gross        string          `xml:"VLR_BRUTO"`
	Net          string          `xml:"VLR_LIQ"`
	NetWithTax   string          `xml:"VLR_LIQ_IPI"`
	Adjusted     string          `xml:"VLR_TOT_PED"`
	Observation  string          `xml:"OBSERVACAO"`
	Adjustments  []xmlAdjustment `xml:"LIST_TPEDC_DCTACR>TPEDC_DCTACR"`
	Items        []xmlItem       `xml:"LIST_TPEDC_ITEM>TPEDC_ITEM"`
}

type xmlAdjustment struct {
	Scope     string `xml:"TIPO_APLIC"`
	Direction string `xml:"TIPO_DCTACR"`
	Kind      string `xml:"TIPO_VALOR"`
	Value     string `xml:"VALOR"`
	Order     string `xml:"ORDEM"`
}

type xmlItem struct {
	Sequence          string `xml:"SEQ"`
	Code              string `xml:"COD_ITEM"`
	Description       string `xml:"DESCRICAO"`
	Ordered           string `xml:"QTD_PEDIDA"`
	UnitPrice         string `xml:"PRECO_UNIT"`
	Total             string `xml:"VLR_TOTAL"`
	Attended          string `xml:"QTD_ATENDIDA"`
	Canceled          string `xml:"QTD_CANCELADA"`
	CanceledTolerance string `xml:"QTD_CANC_TOL"`
	TolerancePct      string `xml:"PERC_TOL"`
}

// Decode streams every TPED_COMPRA element out of r, whatever its nesting.
// The error return is reserved for documents that are not well formed.
func Decode(r io.Reader) ([]Document, error) {
	dec := xmlx.NewDecoder(r)
	var docs []Document
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return docs, fmt.Errorf("erp: read export: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != orderElement {
			continue
		}
		var raw xmlOrder
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return docs, fmt.Errorf("erp: decode %s: %w", orderElement, err)
		}
		order, err := raw.convert()
		docs = append(docs, Document{Order: order, Err: err})
	}
}

func (x xmlOrder) convert() (procurement.PurchaseOrder, error) {
	order := procurement.PurchaseOrder{
		OrderCode:           strings.TrimSpace(x.Code),
		CompanyCode:         strings.TrimSpace(x.CompanyCode),
		SupplierID:          strings.TrimSpace(x.SupplierID),
		SupplierDescription: strings.TrimSpace(x.SupplierDesc),
		Observation:         strings.TrimSpace(x.Observation),
	}
	if order.OrderCode == "" || order.CompanyCode == "" {
		return order, fmt.Errorf("%w: missing COD_PEDC or EMPR_ID", ErrMalformedOrder)
	}
	emission, err := procurement.ParseERPDate(x.Emission)
	if err != nil {
		return order, fmt.Errorf("%w: %s/%s: %v", ErrMalformedOrder, order.CompanyCode, order.OrderCode, err)
	}
	order.EmissionDate = emission

	p := parser{}
	order.TotalGross = p.amount("VLR_BRUTO", x.Gross)
	order.TotalNet = p.amount("VLR_LIQ", x.Net)
	order.TotalNetWithTax = p.amount("VLR_LIQ_IPI", x.NetWithTax)
	order.TotalWithTaxAdjusted = p.amount("VLR_TOT_PED", x.Adjusted)

	for i, a := range x.Adjustments {
		adj := procurement.Adjustment{
			Scope:      scopeOf(a.Scope),
			Direction:  directionOf(a.Direction),
			Kind:       kindOf(a.Kind),
			Value:      p.amount("VALOR", a.Value),
			OrderIndex: i + 1,
		}
		if strings.TrimSpace(a.Order) != "" {
			adj.OrderIndex = int(p.amount("ORDEM", a.Order))
		}
		if adj.Scope == "" || adj.Direction == "" || adj.Kind == "" {
			p.fail("TPEDC_DCTACR", fmt.Sprintf("%s/%s/%s", a.Scope, a.Direction, a.Kind))
			continue
		}
		order.Adjustments = append(order.Adjustments, adj)
	}

	for i, it := range x.Items {
		item := procurement.PurchaseItem{
			Sequence:             i + 1,
			ItemCode:             strings.TrimSpace(it.Code),
			Description:          strings.TrimSpace(it.Description),
			QtyOrdered:           p.nullable("QTD_PEDIDA", it.Ordered),
			UnitPrice:            p.amount("PRECO_UNIT", it.UnitPrice),
			LineTotal:            p.amount("VLR_TOTAL", it.Total),
			QtyAttended:          p.amount("QTD_ATENDIDA", it.Attended),
			QtyCanceled:          p.amount("QTD_CANCELADA", it.Canceled),
			QtyCanceledTolerance: p.amount("QTD_CANC_TOL", it.CanceledTolerance),
			TolerancePct:         p.amount("PERC_TOL", it.TolerancePct),
			EmissionDate:         emission,
		}
		if strings.TrimSpace(it.Sequence) != "" {
			item.Sequence = int(p.amount("SEQ", it.Sequence))
		}
		order.Items = append(order.Items, item)
	}

	if p.err != nil {
		return order, fmt.Errorf("%w: %s/%s: %v", ErrMalformedOrder, order.CompanyCode, order.OrderCode, p.err)
	}
	return order, nil
}

// Records projects the decoded lines for the fulfillment rule.
func Records(order procurement.PurchaseOrder) []procurement.LineRecord {
	out := make([]procurement.LineRecord, len(order.Items))
	for i, item := range order.Items {
		out[i] = item.Record()
	}
	return out
}

// parser keeps the first conversion error so a whole order is rejected at once.
type parser struct {
	err error
}

func (p *parser) fail(field, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: invalid value %q", field, value)
	}
}

func (p *parser) amount(field, value string) float64 {
	v := p.nullable(field, value)
	if v == nil {
		return 0
	}
	return *v
}

func (p *parser) nullable(field, value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	d, err := decimal.NewFromString(normalizeNumber(value))
	if err != nil {
		p.fail(field, value)
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

// normalizeNumber accepts both 1234.56 and the 1.234,56 written by the ERP.
func normalizeNumber(v string) string {
	if strings.Contains(v, ",") {
		v = strings.ReplaceAll(v, ".", "")
		v = strings.ReplaceAll(v, ",", ".")
	}
	return v
}

func scopeOf(v string) procurement.AdjustmentScope {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "P", "PEDIDO", "ORDER":
		return procurement.ScopeOrder
	case "I", "ITEM", "ITENS", "ITEMS":
		return procurement.ScopeItems
	}
	return ""
}

func directionOf(v string) procurement.AdjustmentDirection {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "D", "DESCONTO", "DISCOUNT":
		return procurement.DirectionDiscount
	case "A", "ACRESCIMO", "SURCHARGE":
		return procurement.DirectionSurcharge
	}
	return ""
}

func kindOf(v string) procurement.AdjustmentKind {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "P", "%", "PERCENTUAL", "PERCENT":
		return procurement.KindPercent
	case "V", "VALOR", "AMOUNT":
		return procurement.KindAmount
	}
	return ""
}
