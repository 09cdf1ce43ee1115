// Package openaiintel implements the document-intelligence port with
// the OpenAI vision API. PDF pages are rendered to images with mupdf
// before being sent for extraction.
package openaiintel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/port"
)

// maxPages bounds how many PDF pages are sent to the vision API.
const maxPages = 2

// Extractor extracts structured invoice fields from document bytes.
type Extractor struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewExtractor creates a vision-backed extractor.
func NewExtractor(apiKey, model string, logger *zap.Logger) *Extractor {
	return &Extractor{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

// extractionResponse is the JSON shape the model is asked to return.
type extractionResponse struct {
	Vendor         string  `json:"vendor"`
	InvoiceNumber  string  `json:"invoice_number"`
	InvoiceDate    string  `json:"invoice_date"`
	DueDate        string  `json:"due_date"`
	TotalAmount    float64 `json:"total_amount"`
	Currency       string  `json:"currency"`
	PaymentDetails string  `json:"payment_details"`
	LineItems      []struct {
		Description string  `json:"description"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   float64 `json:"unit_price"`
	} `json:"line_items"`
	Confidence float64 `json:"confidence"`
}

// Extract renders the document and asks the vision model for the
// structured fields.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (*port.ExtractionResult, error) {
	images, err := e.renderDocument(data, mimeType)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, port.ErrDocumentUnreadable
	}
	if len(images) > maxPages {
		images = images[:maxPages]
	}

	contentParts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: extractionPrompt,
	}}
	for _, img := range images {
		contentParts = append(contentParts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(img)),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		MaxTokens:   4096,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert at reading supplier invoices. You extract vendor, invoice number, dates, amounts, currency and bank details with perfect accuracy. Always respond with valid JSON.",
			},
			{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: contentParts,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		e.logger.Error("Vision API call failed", zap.Error(err))
		return nil, fmt.Errorf("vision API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from vision API")
	}

	content := resp.Choices[0].Message.Content
	var parsed extractionResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		e.logger.Error("Failed to parse extraction response",
			zap.Error(err),
			zap.String("content", content))
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	fields := invoice.Fields{
		Vendor:         parsed.Vendor,
		InvoiceNumber:  parsed.InvoiceNumber,
		InvoiceDate:    parsed.InvoiceDate,
		DueDate:        parsed.DueDate,
		TotalAmount:    parsed.TotalAmount,
		Currency:       parsed.Currency,
		PaymentDetails: parsed.PaymentDetails,
	}
	for _, item := range parsed.LineItems {
		fields.LineItems = append(fields.LineItems, invoice.LineItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}

	e.logger.Info("Invoice fields extracted",
		zap.String("vendor", fields.Vendor),
		zap.String("invoice_number", fields.InvoiceNumber),
		zap.Float64("total_amount", fields.TotalAmount),
		zap.Float64("confidence", parsed.Confidence))

	return &port.ExtractionResult{
		Fields:     fields,
		Confidence: parsed.Confidence,
	}, nil
}

// renderDocument turns the raw bytes into one JPEG per page.
func (e *Extractor) renderDocument(data []byte, mimeType string) ([][]byte, error) {
	switch mimeType {
	case "application/pdf":
		return e.renderPDF(data)
	case "image/jpeg", "image/png":
		// The vision API accepts these directly.
		return [][]byte{data}, nil
	default:
		return nil, fmt.Errorf("%w: %s", port.ErrUnsupportedFormat, mimeType)
	}
}

func (e *Extractor) renderPDF(data []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", port.ErrDocumentUnreadable, err)
	}
	defer doc.Close()

	var images [][]byte
	for pageNum := 0; pageNum < doc.NumPage(); pageNum++ {
		img, err := doc.Image(pageNum)
		if err != nil {
			e.logger.Warn("Failed to render PDF page",
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			e.logger.Warn("Failed to encode page to JPEG",
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}
		images = append(images, buf.Bytes())
	}

	if len(images) == 0 {
		return nil, port.ErrDocumentUnreadable
	}
	return images, nil
}

const extractionPrompt = `Carefully examine this supplier invoice and extract ALL information.

REQUIRED FIELDS:
- vendor: the issuing company's name
- invoice_number: the invoice identifier printed on the document
- invoice_date: issue date in YYYY-MM-DD format
- due_date: payment due date in YYYY-MM-DD format, "" if absent
- total_amount: the grand total as a number without currency symbols
- currency: ISO 4217 code (USD, EUR, ...)
- payment_details: bank name, account or IBAN the invoice asks to pay to

LINE ITEMS - extract all positions as an array:
- description
- quantity
- unit_price

Also return "confidence": your overall confidence in this extraction
between 0.0 and 1.0. Use a low value when the scan is blurry, fields
are ambiguous or you had to guess.

Return a JSON object:
{
  "vendor": "string",
  "invoice_number": "string",
  "invoice_date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "total_amount": number,
  "currency": "string",
  "payment_details": "string",
  "line_items": [{"description": "string", "quantity": number, "unit_price": number}],
  "confidence": number
}

IMPORTANT:
- Extract EXACTLY what you see. Do not guess or make up values.
- If a field is not visible or unclear, use empty string "" or 0.`
