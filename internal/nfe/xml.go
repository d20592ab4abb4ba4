package nfe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-recon/internal/platform/xmlx"
	"github.com/odyssey-erp/odyssey-recon/internal/procurement"
)

// Namespace is the portal fiscal namespace every NFe element lives in.
const Namespace = "http://www.portalfiscal.inf.br/nfe"

type infNFeXML struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		Number string `xml:"nNF"`
		DhEmi  string `xml:"dhEmi"`
		DEmi   string `xml:"dEmi"`
	} `xml:"ide"`
	Emit struct {
		CNPJ string `xml:"CNPJ"`
		CPF  string `xml:"CPF"`
		Name string `xml:"xNome"`
	} `xml:"emit"`
	Det []struct {
		NItem string `xml:"nItem,attr"`
		Prod  struct {
			Description string `xml:"xProd"`
			Quantity    string `xml:"qCom"`
			UnitValue   string `xml:"vUnCom"`
		} `xml:"prod"`
	} `xml:"det"`
	Total struct {
		ICMSTot struct {
			VNF string `xml:"vNF"`
		} `xml:"ICMSTot"`
	} `xml:"total"`
	InfAdic struct {
		InfCpl string `xml:"infCpl"`
	} `xml:"infAdic"`
}

// AccessKey reads only as far as the infNFe element and returns its key.
func AccessKey(data []byte) (string, error) {
	dec := xmlx.NewDecoder(bytes.NewReader(data))
	start, err := seekInfNFe(dec)
	if err != nil {
		return "", err
	}
	for _, attr := range start.Attr {
		if attr.Name.Local == "Id" {
			return normalizeKey(attr.Value)
		}
	}
	return "", fmt.Errorf("%w: infNFe without Id", ErrMalformedInvoice)
}

// Parse decodes a nfeProc or bare NFe document.
func Parse(data []byte) (Invoice, error) {
	dec := xmlx.NewDecoder(bytes.NewReader(data))
	start, err := seekInfNFe(dec)
	if err != nil {
		return Invoice{}, err
	}
	var raw infNFeXML
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return Invoice{}, fmt.Errorf("%w: %v", ErrMalformedInvoice, err)
	}

	key, err := normalizeKey(raw.ID)
	if err != nil {
		return Invoice{}, err
	}
	emitted, err := parseEmission(raw.Ide.DhEmi, raw.Ide.DEmi)
	if err != nil {
		return Invoice{}, err
	}
	total, err := parseNumber(raw.Total.ICMSTot.VNF)
	if err != nil {
		return Invoice{}, fmt.Errorf("%w: vNF: %v", ErrMalformedInvoice, err)
	}

	inv := Invoice{
		AccessKey:    key,
		Number:       strings.TrimSpace(raw.Ide.Number),
		EmissionDate: emitted,
		Total:        total,
		Observation:  strings.TrimSpace(raw.InfAdic.InfCpl),
		Emitter: Emitter{
			CNPJ: procurement.Digits(firstNonEmpty(raw.Emit.CNPJ, raw.Emit.CPF)),
			Name: strings.TrimSpace(raw.Emit.Name),
		},
	}
	for i, det := range raw.Det {
		seq, err := strconv.Atoi(strings.TrimSpace(det.NItem))
		if err != nil || seq <= 0 {
			seq = i + 1
		}
		qty, err := parseNumber(det.Prod.Quantity)
		if err != nil {
			return Invoice{}, fmt.Errorf("%w: item %d qCom: %v", ErrMalformedInvoice, seq, err)
		}
		unit, err := parseNumber(det.Prod.UnitValue)
		if err != nil {
			return Invoice{}, fmt.Errorf("%w: item %d vUnCom: %v", ErrMalformedInvoice, seq, err)
		}
		inv.Items = append(inv.Items, Item{
			Sequence:    seq,
			Description: strings.TrimSpace(det.Prod.Description),
			Quantity:    qty,
			UnitValue:   unit,
		})
	}
	return inv, nil
}

func seekInfNFe(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, fmt.Errorf("%w: infNFe not found", ErrMalformedInvoice)
			}
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformedInvoice, err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "infNFe" {
			return se, nil
		}
	}
}

func normalizeKey(id string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(id), "NFe")
	if len(key) != AccessKeyLength || procurement.Digits(key) != key {
		return "", fmt.Errorf("%w: access key %q", ErrMalformedInvoice, id)
	}
	return key, nil
}

func parseEmission(dhEmi, dEmi string) (time.Time, error) {
	if v := strings.TrimSpace(dhEmi); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: dhEmi %q", ErrMalformedInvoice, v)
		}
		return procurement.NoonLocal(t), nil
	}
	if v := strings.TrimSpace(dEmi); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: dEmi %q", ErrMalformedInvoice, v)
		}
		return procurement.NoonLocal(t), nil
	}
	return time.Time{}, fmt.Errorf("%w: missing emission date", ErrMalformedInvoice)
}

func parseNumber(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
