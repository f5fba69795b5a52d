// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pgdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"book"`, QuoteIdent("book"))
	assert.Equal(t, `"B1_XYZ"`, QuoteIdent("B1_XYZ"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
}

func TestParseTextArray(t *testing.T) {
	assert.Equal(t, []string{"id"}, parseTextArray([]byte(`{id}`)))
	assert.Equal(t, []string{"book_isbn", "author_id"}, parseTextArray([]byte(`{book_isbn,author_id}`)))
	assert.Equal(t, []string{"ID"}, parseTextArray([]byte(`{"ID"}`)))
	assert.Nil(t, parseTextArray([]byte(`{}`)))
}
