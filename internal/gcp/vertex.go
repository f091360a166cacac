package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Markdown (OCR) Model Prompts ---
const MarkdownSystemPrompt = "You are a document parser and markdown translator. Your task is to parse the content of a business document and translate it into markdown format. Accuracy, detail, and information preservation are of utmost importance."
const MarkdownUserPrompt = `You will be provided with a document.

Follow these instructions to parse the document and translate its content into markdown format:

Text: Parse all text content directly into markdown text.
Lists: Parse all lists into markdown lists, maintaining the original structure and formatting.
Images: Replace each image with a descriptive text that accurately describes the image's content.
Tables: Parse all tables into markdown tables. If a table contains merged cells, normalize the table by copying the content from the parent cells into the normalized child cells.
Unreadable content: Where text cannot be read with certainty, write [illegible] in its place. Never guess.
Your primary goal is to maintain the integrity and completeness of the document's content in the markdown output.`

// --- Extraction Model Prompts ---
const ExtractionSystemPrompt = "You are a specialist document data extraction tool. Your task is to extract structured fields from a business document. You must output your response as a single valid JSON object."
const ExtractionUserPrompt = `Extract the document's data from the markdown below into a single JSON object.

Follow these rules precisely:
1.  "documentType" is required: one of "invoice", "receipt", "purchase_order", "contract", "engineering_drawing", "scanned_form" or "other".
2.  Use these keys where the document has the information: "documentNumber", "issueDate" and "dueDate" (YYYY-MM-DD), "issuer", "recipient", "currency" (ISO 4217 code), "subtotal", "tax", "total", and "lineItems" (objects with "description", "quantity", "unitPrice", "amount").
3.  Numbers must be JSON numbers, not strings. Omit keys you cannot find rather than inventing values.
4.  If a page image is attached, treat it as the source of truth where it disagrees with the markdown.
5.  Output ONLY the JSON object. Do not include any text before or after it.`

// ModelNames selects the Gemini model for each role.
type ModelNames struct {
	Cheap     string
	Expensive string
	Markdown  string
}

// VertexClient holds all pre-configured generative models for our app.
type VertexClient struct {
	CheapModel     *genai.GenerativeModel
	ExpensiveModel *genai.GenerativeModel
	MarkdownModel  *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region string, names ModelNames) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		CheapModel:     extractionModel(baseClient, names.Cheap),
		ExpensiveModel: extractionModel(baseClient, names.Expensive),
		MarkdownModel:  markdownModel(baseClient, names.Markdown),
		baseClient:     baseClient,
	}, nil
}

func extractionModel(client *genai.Client, name string) *genai.GenerativeModel {
	model := client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractionSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		// JSON mode; fences are still stripped before parsing.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	model.SafetySettings = permissiveSafety()
	return model
}

func markdownModel(client *genai.Client, name string) *genai.GenerativeModel {
	model := client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(MarkdownSystemPrompt)},
	}
	model.SafetySettings = permissiveSafety()
	return model
}

func permissiveSafety() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
