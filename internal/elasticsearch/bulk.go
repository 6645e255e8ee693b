package elasticsearch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DeafMist/violations-ingest/internal/models"
)

// ContentTypeNDJSON is the media type of a _bulk request body.
const ContentTypeNDJSON = "application/x-ndjson"

type bulkAction struct {
	Index bulkTarget `json:"index"`
}

type bulkTarget struct {
	Index string `json:"_index"`
}

// EncodeBulk renders docs as _bulk action/document line pairs, in input order.
// Every line, the last included, ends with a newline. No docs yields an empty body.
func EncodeBulk(index string, docs []models.Violation) ([]byte, error) {
	if index == "" {
		return nil, errors.New("encode bulk: index name is empty")
	}
	if len(docs) == 0 {
		return []byte{}, nil
	}

	header, err := json.Marshal(bulkAction{Index: bulkTarget{Index: index}})
	if err != nil {
		return nil, fmt.Errorf("marshal bulk header: %w", err)
	}

	var buf bytes.Buffer
	for i, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal bulk doc %d: %w", i, err)
		}
		buf.Write(header)
		buf.WriteByte('\n')
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
