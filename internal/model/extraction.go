package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DetectedLanguage is the primary language the extractor saw in a message.
type DetectedLanguage string

const (
	LanguageEnglish DetectedLanguage = "english"
	LanguageSwahili DetectedLanguage = "swahili"
	LanguageMixed   DetectedLanguage = "mixed"
)

// ExtractedItem is one item line produced by an extractor.
type ExtractedItem struct {
	ProductName  string     `json:"product_name"`
	Quantity     float64    `json:"quantity" validate:"gte=0"`
	Unit         string     `json:"unit"`
	Confidence   Confidence `json:"confidence" validate:"oneof=high medium low"`
	OriginalText string     `json:"original_text"`
	Notes        string     `json:"notes,omitempty"`
}

// Extraction is one independently produced view of an order taken from a
// single message. Nullable wire fields decode to the empty string.
type Extraction struct {
	CustomerName          string           `json:"customer_name"`
	CustomerOrganization  string           `json:"customer_organization,omitempty"`
	Items                 []ExtractedItem  `json:"items" validate:"dive"`
	RequestedDeliveryDate string           `json:"requested_delivery_date,omitempty"`
	DeliveryUrgency       string           `json:"delivery_urgency,omitempty"`
	OverallConfidence     Confidence       `json:"overall_confidence" validate:"oneof=high medium low"`
	RequiresClarification bool             `json:"requires_clarification"`
	ClarificationNeeded   []string         `json:"clarification_needed"`
	DetectedLanguage      DetectedLanguage `json:"detected_language,omitempty" validate:"omitempty,oneof=english swahili mixed"`
	RawMessage            string           `json:"raw_message,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the semantic constraints of an extraction: confidence
// levels, non-negative quantities and the language tag.
func (e *Extraction) Validate() error {
	if e == nil {
		return eris.Wrap(ErrInvalidExtraction, "nil extraction")
	}
	if err := structValidator().Struct(e); err != nil {
		return eris.Wrapf(ErrInvalidExtraction, "%s", err.Error())
	}
	return nil
}

// Normalize fills defaults for optional fields. It never changes fields the
// extractor supplied.
func (e *Extraction) Normalize() {
	if e.Items == nil {
		e.Items = []ExtractedItem{}
	}
	if e.ClarificationNeeded == nil {
		e.ClarificationNeeded = []string{}
	}
	if e.DetectedLanguage == "" {
		e.DetectedLanguage = LanguageEnglish
	}
}

// extractionSchema enforces presence of the required wire fields. Go decoding
// cannot tell a missing field from its zero value, so this runs on the raw
// document before it is decoded into Extraction.
const extractionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["customer_name", "items", "overall_confidence", "requires_clarification"],
  "properties": {
    "customer_name": {"type": ["string", "null"]},
    "customer_organization": {"type": ["string", "null"]},
    "requested_delivery_date": {"type": ["string", "null"]},
    "delivery_urgency": {"type": ["string", "null"]},
    "overall_confidence": {"enum": ["high", "medium", "low"]},
    "requires_clarification": {"type": "boolean"},
    "clarification_needed": {"type": ["array", "null"], "items": {"type": "string"}},
    "detected_language": {"enum": ["english", "swahili", "mixed", null]},
    "raw_message": {"type": ["string", "null"]},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["product_name", "quantity", "unit", "confidence"],
        "properties": {
          "product_name": {"type": ["string", "null"]},
          "quantity": {"type": "number", "minimum": 0},
          "unit": {"type": ["string", "null"]},
          "confidence": {"enum": ["high", "medium", "low"]},
          "original_text": {"type": ["string", "null"]},
          "notes": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

const extractionSchemaURL = "https://order-cli.local/schemas/extraction.json"

var (
	schema     *jsonschema.Schema
	schemaErr  error
	schemaOnce sync.Once
)

func extractionJSONSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(extractionSchemaURL, strings.NewReader(extractionSchema)); err != nil {
			schemaErr = eris.Wrap(err, "model: load extraction schema")
			return
		}
		schema, schemaErr = c.Compile(extractionSchemaURL)
		if schemaErr != nil {
			schemaErr = eris.Wrap(schemaErr, "model: compile extraction schema")
		}
	})
	return schema, schemaErr
}

// ParseExtraction decodes and validates an extraction record from JSON.
func ParseExtraction(data []byte) (*Extraction, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidExtraction, "decode json: %s", err.Error())
	}
	return ParseExtractionValue(doc, data)
}

// ParseExtractionValue validates an already decoded JSON document against
// the wire schema and then decodes raw into an Extraction. When raw is nil
// the document is re-encoded first.
func ParseExtractionValue(doc any, raw []byte) (*Extraction, error) {
	sch, err := extractionJSONSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, eris.Wrapf(ErrInvalidExtraction, "schema: %s", err.Error())
	}

	if raw == nil {
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, eris.Wrap(err, "model: re-encode extraction")
		}
	}

	var ext Extraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		return nil, eris.Wrapf(ErrInvalidExtraction, "decode extraction: %s", err.Error())
	}
	ext.Normalize()
	if err := ext.Validate(); err != nil {
		return nil, err
	}
	return &ext, nil
}
