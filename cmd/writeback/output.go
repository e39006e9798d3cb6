package main

import (
	"encoding/json"
	"io"

	"github.com/Skyrin/go-writeback/e"
	"gopkg.in/yaml.v3"
)

const (
	OutputYAML = "yaml"
	OutputJSON = "json"

	ECode0C0101 = e.Code0C01 + "01"
)

// printResult writes v to w in the requested format
func printResult(w io.Writer, format string, v interface{}) (err error) {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(v)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err = enc.Encode(v); err == nil {
			err = enc.Close()
		}
	}

	if err != nil {
		return e.W(err, ECode0C0101, format)
	}

	return nil
}
