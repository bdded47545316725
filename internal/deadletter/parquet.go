package deadletter

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/document"
)

// SchemaVersion is bumped on breaking changes to the archived row layout.
const SchemaVersion = "1.0.0"

// Encode writes docs as a snappy-compressed parquet file.
func Encode(docs []document.Document) ([]byte, error) {
	var buf bytes.Buffer

	w := parquet.NewGenericWriter[document.Document](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(docs); err != nil {
		w.Close()
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads documents back from a parquet file written by Encode.
func Decode(data []byte) ([]document.Document, error) {
	docs, err := parquet.Read[document.Document](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return docs, nil
}
