package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// outputJSON writes v as indented JSON to w.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// outputJSONError writes err as JSON to stderr and exits with code 1.
func outputJSONError(err error) {
	_ = outputJSON(os.Stderr, map[string]string{"error": err.Error()})
	os.Exit(1)
}
