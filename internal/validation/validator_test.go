package validation

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	return data
}

func anyContains(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func TestCUEValidator_Passes(t *testing.T) {
	v, err := NewCUEValidator()
	require.NoError(t, err)

	data := decode(t, `{
		"documentType": "invoice",
		"documentNumber": "INV-001",
		"issueDate": "2025-03-14",
		"currency": "AUD",
		"total": 110.5,
		"lineItems": [{"description": "Steel beam", "quantity": 2, "amount": 100}],
		"notes": "extra fields are allowed"
	}`)
	assert.Empty(t, v.Validate(data))
}

func TestCUEValidator_Failures(t *testing.T) {
	v, err := NewCUEValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "missing type", raw: `{"total": 10}`, field: "documentType"},
		{name: "empty type", raw: `{"documentType": ""}`, field: "documentType"},
		{name: "negative total", raw: `{"documentType": "invoice", "total": -5}`, field: "total"},
		{name: "bad currency", raw: `{"documentType": "invoice", "currency": "dollars"}`, field: "currency"},
		{name: "bad date", raw: `{"documentType": "invoice", "issueDate": "14/03/2025"}`, field: "issueDate"},
		{name: "wrong kind", raw: `{"documentType": 7}`, field: "documentType"},
		{name: "line item without amount", raw: `{"documentType": "invoice", "lineItems": [{"description": "x"}]}`, field: "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := v.Validate(decode(t, tt.raw))
			require.NotEmpty(t, msgs)
			assert.True(t, anyContains(msgs, tt.field), "errors %v should mention %s", msgs, tt.field)
		})
	}
}

func TestCUEValidator_CustomSchema(t *testing.T) {
	_, err := NewCUEValidatorFromSource(`#Other: {}`)
	require.Error(t, err)

	_, err = NewCUEValidatorFromSource(`#Document: {`)
	require.Error(t, err)

	v, err := NewCUEValidatorFromSource(`#Document: {reference: =~"^REF-"}`)
	require.NoError(t, err)
	assert.Empty(t, v.Validate(map[string]any{"reference": "REF-9"}))
	assert.NotEmpty(t, v.Validate(map[string]any{"reference": "9"}))
}

func TestCUEValidator_ConcurrentUse(t *testing.T) {
	v, err := NewCUEValidator()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := map[string]any{"documentType": "invoice", "total": float64(i)}
			assert.Empty(t, v.Validate(data))
		}(i)
	}
	wg.Wait()
}
