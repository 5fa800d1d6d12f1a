package zipflow_test

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/kodeflow/zipflow"
)

// Example demonstrates writing a small in-memory archive and reading
// its entry list back.
func Example() {
	ctx := context.Background()

	w, err := zipflow.NewWriter(zipflow.NewMemoryWriter(), nil)
	if err != nil {
		log.Fatal(err)
	}

	readme := []byte("hello, zipflow\n")
	src := zipflow.NewReaderAt(bytes.NewReader(readme), int64(len(readme)))
	if err := w.Add(ctx, "readme.txt", src, uint64(len(readme)), zipflow.AddOptions{Level: 6}); err != nil {
		log.Fatal(err)
	}
	if err := w.Add(ctx, "docs/", zipflow.NewReaderAt(bytes.NewReader(nil), 0), 0, zipflow.AddOptions{Directory: true}); err != nil {
		log.Fatal(err)
	}

	sink, err := w.Close(ctx, zipflow.CloseOptions{})
	if err != nil {
		log.Fatal(err)
	}

	r, err := zipflow.NewReader(zipflow.NewReaderAt(sink, sink.Size()), nil)
	if err != nil {
		log.Fatal(err)
	}
	entries, err := r.Entries(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		fmt.Println(e.Name)
	}
	// Output:
	// readme.txt
	// docs/
}
